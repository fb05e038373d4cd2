// Package transport defines the connection abstraction between the engine
// and managed hosts. The engine never speaks a wire protocol itself; it
// acquires Sessions from a Dialer and hands them to modules.
package transport

import (
	"context"
	"io"
	"time"
)

// HostSpec describes how to reach one managed host.
type HostSpec struct {
	// Name is the inventory name of the host.
	Name string
	// Address is the network address to dial. Falls back to Name when empty.
	Address string
	// Port is the transport port. Zero selects the dialer's default.
	Port int
	// User is the remote user to authenticate as.
	User string
	// Options carries transport-specific settings (key paths, agent use).
	Options map[string]string
}

// ExecResult is the outcome of one remote command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Session is a live, exclusively leased connection to one host. A session is
// held by at most one task execution at a time; the pool guarantees this.
type Session interface {
	// Exec runs a command on the host and waits for it to finish. A non-zero
	// exit code is reported in the result, not as an error; err is reserved
	// for transport-level failures.
	Exec(ctx context.Context, command string) (*ExecResult, error)

	// Upload copies the content of src to the remote path.
	Upload(ctx context.Context, src io.Reader, remotePath string, perm uint32) error

	// Ping verifies the session is still usable without side effects.
	Ping(ctx context.Context) error

	// Host returns the spec this session was dialed for.
	Host() HostSpec

	// Close tears down the underlying connection.
	Close() error
}

// Dialer establishes sessions. Implementations must be safe for concurrent
// use; the pool dials from many goroutines.
type Dialer interface {
	Dial(ctx context.Context, host HostSpec) (Session, error)
}
