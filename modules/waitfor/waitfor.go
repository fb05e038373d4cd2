package waitfor

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetforge-labs/fleetforge/internal/module"
	"github.com/fleetforge-labs/fleetforge/internal/paramutil"
	fferrors "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/errors"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/plugin"
)

func init() {
	module.Register("wait_for", NewWaitForModule)
}

const (
	defaultTimeout        = 300 * time.Second
	defaultSleep          = 1 * time.Second
	defaultConnectTimeout = 5 * time.Second

	stateStarted = "started"
	stateStopped = "stopped"
	statePresent = "present"
	stateAbsent  = "absent"
)

// WaitForModule polls the target host until a condition holds: a TCP port
// open or closed, or a path present or absent. Probes run on the target
// through its session, so "port open" means open as seen from the host itself.
type WaitForModule struct{}

// NewWaitForModule is the factory function required by the registration system.
func NewWaitForModule() plugin.Module {
	return &WaitForModule{}
}

func (m *WaitForModule) Hint() plugin.Hint {
	return plugin.FullyParallel()
}

func (m *WaitForModule) Perform(ctx context.Context, params map[string]interface{}, execCtx *plugin.ExecContext) (*plugin.Result, error) {
	allowed := []string{"host", "port", "path", "state", "timeout", "delay", "sleep", "connect_timeout", "msg"}
	if err := paramutil.CheckAllowed(params, allowed); err != nil {
		return nil, err
	}

	host, hasHost, err := paramutil.GetOptionalString(params, "host")
	if err != nil {
		return nil, err
	}
	if !hasHost {
		host = "127.0.0.1"
	}
	port, hasPort, err := paramutil.GetOptionalInt(params, "port")
	if err != nil {
		return nil, err
	}
	path, hasPath, err := paramutil.GetOptionalString(params, "path")
	if err != nil {
		return nil, err
	}
	if hasPort == hasPath {
		return nil, fferrors.NewValidationError("wait_for requires exactly one of 'port' or 'path'", nil)
	}

	state, hasState, err := paramutil.GetOptionalString(params, "state")
	if err != nil {
		return nil, err
	}
	if !hasState {
		if hasPort {
			state = stateStarted
		} else {
			state = statePresent
		}
	}

	timeout, hasTimeout, err := paramutil.GetOptionalDuration(params, "timeout")
	if err != nil {
		return nil, err
	}
	if !hasTimeout {
		timeout = defaultTimeout
	}
	delay, _, err := paramutil.GetOptionalDuration(params, "delay")
	if err != nil {
		return nil, err
	}
	sleep, hasSleep, err := paramutil.GetOptionalDuration(params, "sleep")
	if err != nil {
		return nil, err
	}
	if !hasSleep {
		sleep = defaultSleep
	}
	failMsg, _, err := paramutil.GetOptionalString(params, "msg")
	if err != nil {
		return nil, err
	}

	probe, condition, err := buildProbe(host, port, path, state)
	if err != nil {
		return nil, err
	}

	if execCtx.CheckMode {
		return &plugin.Result{
			Changed: false,
			Msg:     fmt.Sprintf("would wait for %s", condition),
			Data:    map[string]interface{}{"check_mode": true},
		}, nil
	}

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if delay > 0 {
		if err := sleepCtx(waitCtx, delay); err != nil {
			return nil, waitResult(ctx, execCtx.HostName, condition, failMsg, start)
		}
	}

	for {
		res, probeErr := execCtx.Session.Exec(waitCtx, probe)
		if probeErr == nil && res.ExitCode == 0 {
			elapsed := time.Since(start)
			return &plugin.Result{
				Changed: false,
				Msg:     fmt.Sprintf("%s after %s", condition, elapsed.Round(time.Millisecond)),
				Data: map[string]interface{}{
					"elapsed": elapsed.Seconds(),
					"state":   state,
				},
			}, nil
		}
		if err := sleepCtx(waitCtx, sleep); err != nil {
			return nil, waitResult(ctx, execCtx.HostName, condition, failMsg, start)
		}
	}
}

// buildProbe returns the remote probe command and a human description of the
// awaited condition.
func buildProbe(host string, port int, path, state string) (string, string, error) {
	connectSecs := int(defaultConnectTimeout.Seconds())
	switch state {
	case stateStarted:
		return fmt.Sprintf("nc -z -w %d %s %d", connectSecs, host, port),
			fmt.Sprintf("port %s:%d open", host, port), nil
	case stateStopped:
		return fmt.Sprintf("! nc -z -w %d %s %d", connectSecs, host, port),
			fmt.Sprintf("port %s:%d closed", host, port), nil
	case statePresent:
		return fmt.Sprintf("test -e '%s'", path),
			fmt.Sprintf("path '%s' present", path), nil
	case stateAbsent:
		return fmt.Sprintf("test ! -e '%s'", path),
			fmt.Sprintf("path '%s' absent", path), nil
	default:
		return "", "", fferrors.NewValidationError(fmt.Sprintf("wait_for: invalid state '%s'", state), nil)
	}
}

// waitResult distinguishes an external cancellation (play abort, task
// timeout) from the module's own wait timeout.
func waitResult(ctx context.Context, hostName, condition, failMsg string, start time.Time) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	msg := fmt.Sprintf("timed out waiting for %s after %s", condition, time.Since(start).Round(time.Second))
	if failMsg != "" {
		msg = failMsg
	}
	return fferrors.NewTaskExecutionError("wait_for", hostName, fmt.Errorf("%s", msg))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
