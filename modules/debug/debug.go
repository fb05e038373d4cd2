package debug

import (
	"context"
	"fmt"

	"github.com/fleetforge-labs/fleetforge/internal/module"
	"github.com/fleetforge-labs/fleetforge/internal/paramutil"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/plugin"
)

func init() {
	module.Register("debug", NewDebugModule)
}

// DebugModule prints a message or a variable value. It never touches the
// target host, so it runs fully parallel and works in check mode.
type DebugModule struct{}

// NewDebugModule is the factory function required by the registration system.
func NewDebugModule() plugin.Module {
	return &DebugModule{}
}

func (m *DebugModule) Hint() plugin.Hint {
	return plugin.FullyParallel()
}

func (m *DebugModule) Perform(ctx context.Context, params map[string]interface{}, execCtx *plugin.ExecContext) (*plugin.Result, error) {
	if err := paramutil.CheckAllowed(params, []string{"msg", "var"}); err != nil {
		return nil, err
	}
	msg, hasMsg, err := paramutil.GetOptionalString(params, "msg")
	if err != nil {
		return nil, err
	}
	varName, hasVar, err := paramutil.GetOptionalString(params, "var")
	if err != nil {
		return nil, err
	}

	data := map[string]interface{}{}
	switch {
	case hasVar:
		value, found := execCtx.Vars[varName]
		if !found {
			msg = fmt.Sprintf("%s: VARIABLE IS NOT DEFINED", varName)
		} else {
			msg = fmt.Sprintf("%s: %v", varName, value)
			data[varName] = value
		}
	case hasMsg:
		// msg already holds the rendered message.
	default:
		msg = "Hello world!"
	}

	execCtx.Logger.Infof("[%s] %s", execCtx.HostName, msg)

	return &plugin.Result{
		Changed: false,
		Msg:     msg,
		Data:    data,
	}, nil
}
