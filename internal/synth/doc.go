// Package synth holds the request, result and error types shared by every
// stage of the synthesis pipeline.
package synth
