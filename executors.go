package nodeflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/petrijr/nodeflow/pkg/api"
	"github.com/petrijr/nodeflow/pkg/worker"
)

// Registry maps task sub types to executors.
type Registry = worker.Registry

// NewRegistry returns a registry with the Wait, assign and log executors
// registered.
func NewRegistry(logger *slog.Logger) *Registry {
	r := worker.NewRegistry()
	worker.RegisterBuiltins(r, logger)
	return r
}

// AssignExecutor copies the node's "assign" config object into the state.
func AssignExecutor() ActionExecutor {
	return worker.AssignExecutor()
}

// LogExecutor logs the node's "message" config and succeeds.
func LogExecutor(logger *slog.Logger) ActionExecutor {
	return worker.LogExecutor(logger)
}

// TypedExecutor wraps a strongly-typed function into an ActionExecutor.
// The task input is decoded into I and the result encoded back into
// StateData through their JSON form, so I and O are usually structs with
// json tags. Example:
//
//	nodeflow.TypedExecutor(func(ctx context.Context, lead Lead) (Score, error) { ... })
//
// Input that does not decode into I is a permanent failure.
func TypedExecutor[I, O any](fn func(context.Context, I) (O, error)) ActionExecutor {
	return api.ExecutorFunc(func(ctx context.Context, req api.ActionRequest) (api.StateData, error) {
		var in I
		if err := convert(req.Input, &in); err != nil {
			return nil, api.Permanent(fmt.Errorf("TypedExecutor: expected input of type %T: %w", in, err))
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		var state api.StateData
		if err := convert(out, &state); err != nil {
			return nil, api.Permanent(fmt.Errorf("TypedExecutor: output %T is not an object: %w", out, err))
		}
		return state, nil
	})
}

func convert(from, to any) error {
	data, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, to)
}
