package shell

import (
	"context"
	"fmt"
	"strings"

	"github.com/fleetforge-labs/fleetforge/internal/module"
	"github.com/fleetforge-labs/fleetforge/internal/paramutil"
	fferrors "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/errors"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/plugin"
)

// The init function self-registers the module with the global default
// registry. The name "shell" is what users specify in their playbook YAML.
func init() {
	module.Register("shell", NewShellModule)
}

// ShellModule runs a shell command on the target host over its session.
type ShellModule struct{}

// NewShellModule is the factory function required by the registration system.
func NewShellModule() plugin.Module {
	return &ShellModule{}
}

// Hint declares the parallelization contract: shell commands on different
// hosts are independent, but two commands on one host may interfere.
func (m *ShellModule) Hint() plugin.Hint {
	return plugin.HostExclusive()
}

// Perform validates parameters, executes the command, and returns the result.
func (m *ShellModule) Perform(ctx context.Context, params map[string]interface{}, execCtx *plugin.ExecContext) (*plugin.Result, error) {
	if err := paramutil.CheckAllowed(params, []string{"cmd", "chdir", "creates"}); err != nil {
		return nil, err
	}
	cmd, err := paramutil.GetRequiredString(params, "cmd")
	if err != nil {
		return nil, err
	}
	chdir, _, err := paramutil.GetOptionalString(params, "chdir")
	if err != nil {
		return nil, err
	}
	creates, _, err := paramutil.GetOptionalString(params, "creates")
	if err != nil {
		return nil, err
	}

	// A 'creates' guard skips the command when the named path already exists.
	if creates != "" {
		probe, probeErr := execCtx.Session.Exec(ctx, fmt.Sprintf("test -e %s", shellQuote(creates)))
		if probeErr != nil {
			return nil, fferrors.NewTaskExecutionError("shell", execCtx.HostName, probeErr)
		}
		if probe.ExitCode == 0 {
			return &plugin.Result{
				Changed: false,
				Msg:     fmt.Sprintf("skipped, '%s' exists", creates),
			}, nil
		}
	}

	if chdir != "" {
		cmd = fmt.Sprintf("cd %s && %s", shellQuote(chdir), cmd)
	}

	if execCtx.CheckMode {
		return &plugin.Result{
			Changed: true,
			Msg:     fmt.Sprintf("would run: %s", cmd),
			Data:    map[string]interface{}{"cmd": cmd, "check_mode": true},
		}, nil
	}

	res, err := execCtx.Session.Exec(ctx, cmd)
	if err != nil {
		return nil, fferrors.NewTaskExecutionError("shell", execCtx.HostName, err)
	}

	data := map[string]interface{}{
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"exit_code": res.ExitCode,
		"duration":  res.Duration.String(),
	}
	if res.ExitCode != 0 {
		return &plugin.Result{Changed: false, Data: data},
			fferrors.NewTaskExecutionError("shell", execCtx.HostName,
				fmt.Errorf("command exited with non-zero status: %d", res.ExitCode))
	}

	return &plugin.Result{
		Changed: true,
		Msg:     strings.TrimSpace(res.Stdout),
		Data:    data,
	}, nil
}

// shellQuote wraps a path in single quotes, escaping embedded quotes, so
// user-supplied paths survive the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
