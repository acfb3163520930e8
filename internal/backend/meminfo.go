package backend

import "runtime"

func fallbackMemory() (availableMB, totalMB uint64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	const mb = 1024 * 1024
	return (ms.Sys - ms.HeapInuse) / mb, ms.Sys / mb
}
