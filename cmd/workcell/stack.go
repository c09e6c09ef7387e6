package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/workcell/internal/engine"
	"github.com/rendis/workcell/internal/expressions"
	"github.com/rendis/workcell/internal/nodeclient"
	"github.com/rendis/workcell/internal/resources"
	"github.com/rendis/workcell/internal/scheduler"
	"github.com/rendis/workcell/internal/store"
	"github.com/rendis/workcell/internal/streaming"
	"github.com/rendis/workcell/internal/validation"
	"github.com/rendis/workcell/internal/workcell"
	"github.com/rendis/workcell/pkg/mcp"
	"github.com/rendis/workcell/pkg/schema"
)

// stack is every long-lived component of a manager process.
type stack struct {
	workcell  *schema.WorkcellDefinition
	store     store.StateStore
	archive   *store.LibSQLArchive
	hub       streaming.EventHub
	redis     *redis.Client
	engine    *engine.Engine
	manager   *workcell.Manager
	monitor   *workcell.NodeMonitor
	scheduler *scheduler.Scheduler
	mcp       *mcp.WorkcellServer
	logger    *slog.Logger
}

// buildStack loads the workcell file and wires the manager. The state
// store and hub live in Redis when the workcell config names a Redis
// host and in memory otherwise.
func buildStack(ctx context.Context, cfg Config, logger *slog.Logger) (_ *stack, err error) {
	if cfg.WorkcellFile == "" {
		return nil, errors.New("no workcell file: set workcell_file or pass --workcell")
	}
	wc, err := workcell.LoadWorkcellFile(cfg.WorkcellFile)
	if err != nil {
		return nil, err
	}
	wc.Config.ApplyDefaults()

	s := &stack{workcell: wc, logger: logger}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.ArchivePath), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	s.archive, err = store.NewLibSQLArchive("file:" + cfg.ArchivePath)
	if err != nil {
		return nil, err
	}
	if err := s.archive.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate archive: %w", err)
	}

	if wc.Config.RedisHost != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     wc.Config.RedisAddr(),
			Password: wc.Config.RedisPassword,
		})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "connect to redis at %s", s.redis.Options().Addr).WithCause(err)
		}
		prefix := cfg.RedisPrefix + ":" + wc.Name
		s.store = store.NewRedisStore(s.redis, store.RedisOptions{Prefix: prefix})
		s.hub = streaming.NewRedisHub(s.redis, prefix, logger)
		logger.Info("using redis state store", "addr", s.redis.Options().Addr, "prefix", prefix)
	} else {
		s.store = store.NewMemoryStore()
		s.hub = streaming.NewMemoryHub()
		logger.Info("using in-memory state store")
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	jq := expressions.NewGoJQEngine()
	validator, err := validation.NewWorkflowValidator(cel, jq)
	if err != nil {
		return nil, err
	}

	clients := nodeclient.NewDefaultRegistry(nodeclient.RESTOptions{DataDir: wc.Config.DataDirectory})
	var inventory resources.Client
	if wc.Config.ResourceManagerURL != "" {
		inventory = resources.NewHTTPClient(wc.Config.ResourceManagerURL, cfg.NodeTimeout)
	}

	s.engine, err = engine.New(engine.Options{
		Store:     s.store,
		Archive:   s.archive,
		Hub:       s.hub,
		Clients:   clients,
		Inventory: inventory,
		Checker:   engine.NewCELResourceChecker(cel, inventory),
		Config:    wc.Config,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	s.manager, err = workcell.NewManager(workcell.Options{
		Store:     s.store,
		Archive:   s.archive,
		Clients:   clients,
		Validator: validator,
		Recorder:  s.engine.Recorder(),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	if err := s.manager.Initialize(ctx, wc); err != nil {
		return nil, err
	}

	s.monitor = workcell.NewNodeMonitor(s.store, clients, s.engine.Recorder(), cfg.NodeTimeout, logger)
	s.scheduler = scheduler.NewScheduler(s.archive, s.manager, cfg.ScheduleInterval, logger)
	s.mcp = mcp.NewWorkcellServer(mcp.WorkcellServerDeps{
		Manager: s.manager,
		Events:  s.archive,
		Hub:     s.hub,
		Logger:  logger,
	})
	return s, nil
}

// start launches the background loops: node monitor, engine (when the
// workcell auto-starts), cron scheduler and completion notifications.
func (s *stack) start(ctx context.Context) error {
	if err := s.monitor.UpdateAll(ctx); err != nil {
		s.logger.Warn("initial node update failed", "error", err)
	}
	go s.monitor.Run(ctx, s.workcell.Config.NodeUpdateInterval)

	if s.workcell.Config.AutoStart {
		if err := s.engine.Start(ctx); err != nil {
			return err
		}
	} else {
		s.logger.Warn("auto_start is off; workflows will queue but not dispatch")
	}

	if n, err := s.scheduler.RecoverMissed(ctx); err != nil {
		s.logger.Warn("recover missed schedules failed", "error", err)
	} else if n > 0 {
		s.logger.Info("submitted missed scheduled runs", "count", n)
	}
	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}

	go func() {
		if err := s.mcp.WatchCompletions(ctx); err != nil {
			s.logger.Warn("completion notifications stopped", "error", err)
		}
	}()
	return nil
}

// stop halts the loops. Running steps are left RUNNING for the next
// process to re-attach.
func (s *stack) stop() {
	if s.scheduler != nil {
		_ = s.scheduler.Stop()
	}
	if s.engine != nil {
		s.engine.Stop()
	}
}

func (s *stack) close() {
	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			s.logger.Warn("close archive", "error", err)
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
}
