package ping

import (
	"context"

	"github.com/fleetforge-labs/fleetforge/internal/module"
	fferrors "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/errors"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/plugin"
)

func init() {
	module.Register("ping", NewPingModule)
}

// PingModule verifies the session to the target host is alive. It is the
// canonical connectivity smoke test.
type PingModule struct{}

// NewPingModule is the factory function required by the registration system.
func NewPingModule() plugin.Module {
	return &PingModule{}
}

func (m *PingModule) Hint() plugin.Hint {
	return plugin.FullyParallel()
}

func (m *PingModule) Perform(ctx context.Context, params map[string]interface{}, execCtx *plugin.ExecContext) (*plugin.Result, error) {
	if len(params) > 0 {
		return nil, fferrors.NewValidationError("ping accepts no parameters", nil)
	}

	if err := execCtx.Session.Ping(ctx); err != nil {
		return nil, fferrors.NewTaskExecutionError("ping", execCtx.HostName, err)
	}

	return &plugin.Result{
		Changed: false,
		Msg:     "pong",
		Data:    map[string]interface{}{"ping": "pong"},
	}, nil
}
