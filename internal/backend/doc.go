// Package backend defines the uniform adapter every synthesis backend is
// driven through, the readiness state machines adapters expose, and the
// by-value contract spoken with native inference services.
package backend
