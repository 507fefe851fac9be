// Package rterrors defines the sentinel error kinds shared across the
// realtime core, mirroring the donor orchestrator package's small
// sentinel-plus-wrapping idiom (pkg/orchestrator/errors.go) but covering the
// error-kind table of the realtime specification instead of the STT/LLM/TTS
// pipeline's own failure modes.
package rterrors

import "errors"

var (
	// ErrTransientNetwork marks a failure in the remote session, embedding,
	// or geo/weather call that the caller should retry after a short delay.
	ErrTransientNetwork = errors.New("transient network failure")

	// ErrRemoteProtocol marks a malformed or unexpected server event. The
	// receive loop logs and continues; it never aborts the session.
	ErrRemoteProtocol = errors.New("unexpected remote protocol event")

	// ErrToolInvocation marks a plugin handler failure. Wrapped causes are
	// surfaced to the remote model as a function-call-output error string,
	// never propagated as a Go error past the invoker boundary.
	ErrToolInvocation = errors.New("tool invocation failed")

	// ErrDeviceError marks a microphone/speaker/GPIO/HID open failure.
	// Local services retry with backoff; it is never fatal to the process.
	ErrDeviceError = errors.New("audio or device I/O failure")

	// ErrConfigurationError marks a missing API key or invalid model
	// selection. Surfaced on first use; the affected agent cannot start.
	ErrConfigurationError = errors.New("invalid configuration")
)
