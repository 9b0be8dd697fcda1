package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/petrijr/nodeflow/pkg/api"
)

// Sub types of the built-in executors registered by RegisterBuiltins.
const (
	SubTypeAssign = "assign"
	SubTypeLog    = "log"
)

var errAssignNotObject = errors.New("assign input must be an object")

// WaitExecutor completes timer tasks. The engine only releases a Wait task
// once its scheduled time has passed, so there is nothing left to do.
func WaitExecutor() api.ActionExecutor {
	return api.ExecutorFunc(func(ctx context.Context, req api.ActionRequest) (api.StateData, error) {
		return nil, nil
	})
}

// AssignExecutor copies the "assign" object of the task input into the node
// output. Node config is merged into task input, so
//
//	config: {assign: {stage: qualified}}
//
// sets stage in the instance state once the node completes.
func AssignExecutor() api.ActionExecutor {
	return api.ExecutorFunc(func(ctx context.Context, req api.ActionRequest) (api.StateData, error) {
		raw, ok := req.Input["assign"]
		if !ok {
			return nil, nil
		}
		values, ok := raw.(map[string]any)
		if !ok {
			if sd, isState := raw.(api.StateData); isState {
				values = sd
			} else {
				return nil, api.Permanent(errAssignNotObject)
			}
		}
		return api.StateData(values).Clone(), nil
	})
}

// LogExecutor logs the task and succeeds. The optional "message" input is
// used as the log message.
func LogExecutor(logger *slog.Logger) api.ActionExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return api.ExecutorFunc(func(ctx context.Context, req api.ActionRequest) (api.StateData, error) {
		msg, _ := req.Input["message"].(string)
		if msg == "" {
			msg = "workflow log node"
		}
		logger.InfoContext(ctx, msg,
			slog.String("instance_id", req.Task.InstanceID),
			slog.String("node_id", req.Task.NodeID))
		return nil, nil
	})
}

// RegisterBuiltins registers the assign and log executors on r.
func RegisterBuiltins(r *Registry, logger *slog.Logger) {
	r.Register(SubTypeAssign, AssignExecutor())
	r.Register(SubTypeLog, LogExecutor(logger))
}
