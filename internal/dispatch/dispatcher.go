package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Outcome is the full result of dispatching one action. Dispatch never
// returns an error; failures land in Error.
type Outcome struct {
	Action  string   `json:"action"`
	Command string   `json:"command,omitempty"`
	Params  []string `json:"params,omitempty"`
	Success bool     `json:"success"`
	Stdout  string   `json:"stdout,omitempty"`
	Stderr  string   `json:"stderr,omitempty"`
	Code    int      `json:"code"`
	Error   string   `json:"error,omitempty"`
}

// Dispatcher resolves, specializes and runs actions.
type Dispatcher struct {
	Registry *Registry
	Tools    map[string]string
	Runner   Runner
	log      *zap.Logger
}

func NewDispatcher(reg *Registry, tools map[string]string, runner Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{Registry: reg, Tools: tools, Runner: runner, log: logger}
}

// Prepare resolves and specializes name without running it.
func (d *Dispatcher) Prepare(name string) (*Resolution, string, error) {
	res, err := Resolve(name, d.Registry)
	if err != nil {
		return nil, "", err
	}
	return res, Specialize(res.Command, res.Params, d.Tools), nil
}

// Dispatch runs the action named name once. There are no retries.
func (d *Dispatcher) Dispatch(ctx context.Context, name string) *Outcome {
	out := &Outcome{Action: name}

	res, command, err := d.Prepare(name)
	if err != nil {
		out.Error = err.Error()
		d.log.Warn("action not resolved", zap.String("action", name), zap.Error(err))
		return out
	}
	out.Command = command
	out.Params = res.Params

	result, err := d.Runner.Run(ctx, command)
	if err != nil {
		out.Code = -1
		out.Error = err.Error()
		d.log.Warn("action failed to start", zap.String("action", name), zap.Error(err))
		return out
	}

	out.Success = result.Success
	out.Stdout = result.Stdout
	out.Stderr = result.Stderr
	out.Code = result.Code
	if !result.Success {
		out.Error = fmt.Sprintf("command exited with code %d", result.Code)
		d.log.Warn("action failed",
			zap.String("action", name),
			zap.Int("code", result.Code),
			zap.String("stderr", result.Stderr))
		return out
	}
	d.log.Debug("action ran", zap.String("action", name), zap.String("command", command))
	return out
}
