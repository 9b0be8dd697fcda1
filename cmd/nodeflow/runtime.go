package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/nodeflow/internal/config"
	"github.com/petrijr/nodeflow/internal/definition"
	"github.com/petrijr/nodeflow/internal/engine"
	"github.com/petrijr/nodeflow/internal/persistence"
	"github.com/petrijr/nodeflow/internal/taskqueue"
	"github.com/petrijr/nodeflow/pkg/api"
)

// runtime is an engine wired from configuration together with the handles
// that must be closed on shutdown.
type runtime struct {
	Engine  api.Engine
	Logger  *slog.Logger
	Metrics *api.BasicMetrics

	closers []func() error
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openRuntime opens the configured stores, installs the definition files
// and builds the engine.
func openRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (rt *runtime, err error) {
	rt = &runtime{Logger: logger, Metrics: &api.BasicMetrics{}}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	p, queue, err := rt.openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		queue = taskqueue.NewRedisQueue(client, cfg.Redis.Prefix)
	}

	if cfg.Mongo.URI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		rt.closers = append(rt.closers, func() error { return client.Disconnect(context.Background()) })
		logs, err := persistence.NewMongoLogStore(ctx, client, cfg.Mongo.Database, cfg.Mongo.Collection)
		if err != nil {
			return nil, err
		}
		p.Logs = logs
	}

	if cfg.Definitions != "" {
		if err := installDefinitions(ctx, p.Definitions, cfg.Definitions, logger); err != nil {
			return nil, err
		}
	}

	observers := []api.Observer{rt.Metrics, api.NewLoggingObserver(logger)}
	if cfg.Metrics.Otel {
		otelMetrics, err := api.NewOtelMetrics(nil)
		if err != nil {
			return nil, fmt.Errorf("create otel metrics: %w", err)
		}
		observers = append(observers, otelMetrics)
	}

	rt.Engine = engine.NewEngineWithConfig(engine.Config{
		Persistence:   p,
		Queue:         queue,
		Observer:      api.NewCompositeObserver(observers...),
		Logger:        logger,
		LeaseDuration: cfg.Engine.LeaseDuration,
		MaxBackoff:    cfg.Engine.MaxBackoff,
	})
	return rt, nil
}

func (rt *runtime) openStorage(ctx context.Context, cfg config.StorageConfig) (persistence.Persistence, taskqueue.Queue, error) {
	var (
		db      *sql.DB
		dialect persistence.Dialect
	)
	switch cfg.Driver {
	case config.DriverMemory:
		return persistence.NewInMemoryPersistence(), taskqueue.NewInMemoryQueue(), nil
	case config.DriverSQLite:
		var err error
		if db, err = sql.Open("sqlite", cfg.DSN); err != nil {
			return persistence.Persistence{}, nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
		rt.closers = append(rt.closers, db.Close)
		dialect = persistence.SQLite
	case config.DriverPostgres:
		pg, err := persistence.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return persistence.Persistence{}, nil, err
		}
		rt.closers = append(rt.closers, pg.Close)
		db, dialect = pg.DB, persistence.Postgres
	default:
		return persistence.Persistence{}, nil, fmt.Errorf("%w: %q", config.ErrInvalidDriver, cfg.Driver)
	}

	store, err := persistence.NewSQLStore(db, dialect)
	if err != nil {
		return persistence.Persistence{}, nil, err
	}
	queue, err := taskqueue.NewSQLQueue(db, dialect)
	if err != nil {
		return persistence.Persistence{}, nil, err
	}
	return persistence.Persistence{Definitions: store, Instances: store, Logs: store}, queue, nil
}

func installDefinitions(ctx context.Context, store persistence.DefinitionStore, dir string, logger *slog.Logger) error {
	files, err := definition.LoadDir(dir)
	if err != nil {
		return fmt.Errorf("load definitions: %w", err)
	}
	reg := definition.NewRegistry(store, nil)
	for _, f := range files {
		if err := reg.Install(ctx, f); err != nil {
			return fmt.Errorf("%s: %w", f.Path, err)
		}
		logger.InfoContext(ctx, "definition installed",
			slog.String("definition_key", f.Key),
			slog.Int("versions", len(f.Versions)),
			slog.String("path", f.Path))
	}
	return nil
}

// Close releases every handle in reverse order of opening.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}
