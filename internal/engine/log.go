package engine

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/petrijr/nodeflow/pkg/api"
)

func (r *run) log(entry api.WorkflowLog) {
	entry.InstanceID = r.inst.ID
	if entry.At.IsZero() {
		entry.At = r.now
	}
	r.logs = append(r.logs, entry)
}

// appendLog stores entry in the workflow history and mirrors it to slog. A
// failing log store never fails the engine operation.
func (e *engineImpl) appendLog(ctx context.Context, entry api.WorkflowLog) {
	entry.ID = uuid.NewString()
	if entry.At.IsZero() {
		entry.At = e.clock.Now()
	}
	if err := e.logs.AppendLog(ctx, &entry); err != nil {
		e.logger.WarnContext(ctx, "append workflow log failed",
			slog.String("instance_id", entry.InstanceID),
			slog.String("event", entry.Event),
			slog.Any("error", err))
	}

	attrs := make([]slog.Attr, 0, 4+len(entry.Details))
	attrs = append(attrs,
		slog.String("event", entry.Event),
		slog.String("instance_id", entry.InstanceID))
	if entry.NodeInstanceID != "" {
		attrs = append(attrs, slog.String("node_instance_id", entry.NodeInstanceID))
	}
	if entry.TaskID != "" {
		attrs = append(attrs, slog.String("task_id", entry.TaskID))
	}
	for _, k := range slices.Sorted(maps.Keys(entry.Details)) {
		attrs = append(attrs, slog.Any(k, entry.Details[k]))
	}
	if entry.Level == api.LogCritical {
		attrs = append(attrs, slog.Bool("critical", true))
	}
	e.logger.LogAttrs(ctx, slogLevel(entry.Level), entry.Message, attrs...)
}

func slogLevel(l api.LogLevel) slog.Level {
	switch l {
	case api.LogDebug:
		return slog.LevelDebug
	case api.LogWarning:
		return slog.LevelWarn
	case api.LogError, api.LogCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
