package connection

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetforge-labs/fleetforge/internal/command"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/transport"
)

// OptionTransport selects the transport for a host in its inventory options.
// SSH is the default; "local" runs commands on the controller via os/exec.
const (
	OptionTransport = "transport"
	TransportLocal  = "local"
)

// LocalDialer produces sessions that run commands on the controller itself.
// Hosts addressed this way need no network transport; it is used for
// localhost entries, controller-side delegate_to targets, and tests.
type LocalDialer struct {
	runner command.Runner
}

// NewLocalDialer creates a dialer for local execution.
func NewLocalDialer() *LocalDialer {
	return &LocalDialer{runner: command.NewRunner()}
}

var _ transport.Dialer = (*LocalDialer)(nil)

// Dial returns a session bound to the local machine. It never fails.
func (d *LocalDialer) Dial(ctx context.Context, host transport.HostSpec) (transport.Session, error) {
	return &localSession{runner: d.runner, host: host}, nil
}

type localSession struct {
	runner command.Runner
	host   transport.HostSpec
}

var _ transport.Session = (*localSession)(nil)

func (s *localSession) Host() transport.HostSpec { return s.host }

// Exec runs the command through the local shell. Non-zero exit codes are
// reported in the result; err is reserved for failures to run at all.
func (s *localSession) Exec(ctx context.Context, cmd string) (*transport.ExecResult, error) {
	start := time.Now()
	res, err := s.runner.Run(ctx, "/bin/sh", []string{"-c", cmd}, "", nil)
	if err != nil {
		return nil, err
	}
	return &transport.ExecResult{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: time.Since(start),
	}, nil
}

// Upload writes src to a local path.
func (s *localSession) Upload(ctx context.Context, src io.Reader, remotePath string, perm uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(remotePath), 0o755); err != nil {
		return err
	}
	mode := os.FileMode(perm)
	if mode == 0 {
		mode = 0o644
	}
	dst, err := os.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

func (s *localSession) Ping(ctx context.Context) error { return ctx.Err() }

func (s *localSession) Close() error { return nil }

// RoutingDialer dispatches each host to its transport: hosts whose options
// name the local transport use the local dialer, everything else the
// fallback (normally SSH).
type RoutingDialer struct {
	fallback transport.Dialer
	local    *LocalDialer
}

// NewRoutingDialer wraps fallback with local-transport routing.
func NewRoutingDialer(fallback transport.Dialer) *RoutingDialer {
	return &RoutingDialer{fallback: fallback, local: NewLocalDialer()}
}

var _ transport.Dialer = (*RoutingDialer)(nil)

func (d *RoutingDialer) Dial(ctx context.Context, host transport.HostSpec) (transport.Session, error) {
	if host.Options[OptionTransport] == TransportLocal {
		return d.local.Dial(ctx, host)
	}
	return d.fallback.Dial(ctx, host)
}
