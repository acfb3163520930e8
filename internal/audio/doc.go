// Package audio plays synthesized segments in reading order and reports
// the playback position back to the pipeline as a synth.Cursor.
package audio
