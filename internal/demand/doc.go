// Package demand measures how much synthesized audio is buffered ahead of
// the playback cursor and adjusts scheduler concurrency and the prefetch
// window to keep that buffer healthy.
package demand
