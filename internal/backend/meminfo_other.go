//go:build !linux

package backend

// SystemMemory returns available and total memory in megabytes. Outside
// Linux only the Go runtime's view is available.
func SystemMemory() (availableMB, totalMB uint64) {
	return fallbackMemory()
}
