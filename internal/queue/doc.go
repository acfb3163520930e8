// Package queue holds pending synthesis jobs in priority order. Immediate
// work always runs before prefetch work; within a priority class jobs are
// ranked by submission order or, while playback is starved, by segment
// position.
package queue
