package renderhost

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrConnectionLost is returned for every request that was in flight when
	// its channel died, and for any call issued against a dead channel. The
	// supervisor may establish a new channel; individual requests are never
	// retried automatically.
	ErrConnectionLost = errors.New("render host connection lost")

	// ErrTimeout is returned when a request's deadline elapses before its
	// response arrives. The channel itself may still be healthy; the caller
	// decides whether to retry.
	ErrTimeout = errors.New("request timed out")

	// ErrFatalFailure is returned once the supervisor has exhausted its
	// respawn attempts. It is terminal; the embedding application decides
	// whether to exit or degrade.
	ErrFatalFailure = errors.New("render host respawn attempts exhausted")

	// ErrHostAlreadyRunning is returned when a second render-host role is
	// started in the same process. Running the host role is a once-per-process
	// operation.
	ErrHostAlreadyRunning = errors.New("render host already running in this process")

	// ErrInvalidState is returned when a supervisor operation is attempted in
	// a state that does not permit it.
	ErrInvalidState = errors.New("invalid supervisor state")

	// ErrUnknownExtension is returned when an extension payload is sent for a
	// name that was never successfully negotiated on the current incarnation.
	ErrUnknownExtension = errors.New("extension not negotiated")

	// ErrChannelClosed is returned by channel operations after Close.
	ErrChannelClosed = errors.New("channel closed")

	// ErrMalformedFrame is returned when a frame cannot be decoded. Malformed
	// frames are fatal to the channel that received them.
	ErrMalformedFrame = errors.New("malformed protocol frame")
)

// VersionMismatchError is returned by the version gate when the two ends of a
// connection report different protocol versions. It is a configuration error:
// the connection is closed immediately and never retried.
type VersionMismatchError struct {
	// Local is the protocol version this end advertised.
	Local string

	// Remote is the protocol version the peer advertised.
	Remote string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("protocol version mismatch: local %q, remote %q", e.Local, e.Remote)
}

// CrashReport captures how a render host incarnation terminated abnormally.
// It is produced by the supervisor from the process wait status, merged with
// any panic record the host wrote to its status pipe before dying.
type CrashReport struct {
	// ExitCode is the process exit code, or -1 if the process was killed by a
	// signal or did not run as a separate process.
	ExitCode int `json:"exit_code"`

	// Signal names the terminating signal, if any (e.g. "SIGSEGV").
	Signal string `json:"signal,omitempty"`

	// Panic is the best-effort text of the panic value, if the host panicked.
	Panic string `json:"panic,omitempty"`

	// Location is the source location of the panic, if known.
	Location string `json:"location,omitempty"`

	// Thread names the goroutine or role that crashed (e.g. "render-host").
	Thread string `json:"thread,omitempty"`
}

// String formats the report as a single readable line.
func (c *CrashReport) String() string {
	switch {
	case c.Panic != "":
		if c.Location != "" {
			return fmt.Sprintf("panic in %s at %s: %s", c.Thread, c.Location, c.Panic)
		}
		return fmt.Sprintf("panic in %s: %s", c.Thread, c.Panic)
	case c.Signal != "":
		return fmt.Sprintf("terminated by %s", c.Signal)
	default:
		return fmt.Sprintf("exited with code %d", c.ExitCode)
	}
}

// Error lets a CrashReport travel as a Go error.
func (c *CrashReport) Error() string {
	return "render host crashed: " + c.String()
}

// parseCrashReport decodes a JSON crash record written to the status pipe.
func parseCrashReport(data []byte) (*CrashReport, error) {
	var report CrashReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// panicText extracts readable text from a recovered panic value. Strings and
// errors are used directly; anything else is formatted with %v.
func panicText(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	default:
		return fmt.Sprintf("%v", t)
	}
}
