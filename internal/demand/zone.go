package demand

// Zone classifies how healthy the playback buffer is.
type Zone int

const (
	ZoneCoast Zone = iota
	ZoneCruise
	ZoneAccelerate
	ZoneEmergency
	ZoneCritical
)

// Zone bounds in milliseconds of buffered audio. Lower bounds are
// inclusive: exactly 45000 is cruise and exactly 5000 is emergency.
const (
	coastAboveMs     = 45_000
	cruiseFromMs     = 30_000
	accelerateFromMs = 15_000
	emergencyFromMs  = 5_000
)

func (z Zone) String() string {
	switch z {
	case ZoneCoast:
		return "coast"
	case ZoneCruise:
		return "cruise"
	case ZoneAccelerate:
		return "accelerate"
	case ZoneEmergency:
		return "emergency"
	case ZoneCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Urgent reports whether the zone bypasses the adjustment cooldown.
func (z Zone) Urgent() bool {
	return z == ZoneEmergency || z == ZoneCritical
}

// ZoneFor maps buffered-ahead milliseconds to a zone.
func ZoneFor(bufferedMs int) Zone {
	switch {
	case bufferedMs > coastAboveMs:
		return ZoneCoast
	case bufferedMs >= cruiseFromMs:
		return ZoneCruise
	case bufferedMs >= accelerateFromMs:
		return ZoneAccelerate
	case bufferedMs >= emergencyFromMs:
		return ZoneEmergency
	default:
		return ZoneCritical
	}
}
