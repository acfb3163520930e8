//go:build linux

package backend

import "golang.org/x/sys/unix"

// SystemMemory returns available and total system memory in megabytes.
func SystemMemory() (availableMB, totalMB uint64) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return fallbackMemory()
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	const mb = 1024 * 1024
	free := uint64(info.Freeram) + uint64(info.Bufferram)
	return free * unit / mb, uint64(info.Totalram) * unit / mb
}
