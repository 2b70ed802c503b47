package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/scottgal/lucidrag-sub005/internal/config"
	"github.com/scottgal/lucidrag-sub005/internal/effectiveness"
	"github.com/scottgal/lucidrag-sub005/internal/engine"
	"github.com/scottgal/lucidrag-sub005/internal/logging"
	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/orchestrator"
	"github.com/scottgal/lucidrag-sub005/internal/rpc"
	"github.com/scottgal/lucidrag-sub005/internal/store"
	"github.com/scottgal/lucidrag-sub005/internal/telemetry"
)

// learner is the part of the engine a command can drive either in-process or
// over gRPC.
type learner interface {
	Score(ctx context.Context, a engine.Analysis) (engine.Outcome, error)
	ScoreBatch(ctx context.Context, items []engine.Analysis) ([]rpc.BatchItem, error)
	Submit(ctx context.Context, recordID string, accepted bool, feedback string) (orchestrator.Result, error)
	Top(ctx context.Context, contentType, goal string, limit int) ([]effectiveness.Ranked, error)
	Prune(ctx context.Context, contentType, goal string, threshold float64) (int, error)
	Reinstate(ctx context.Context, key model.EffectivenessKey) error
	Weight(ctx context.Context, key model.EffectivenessKey) (float64, error)
}

type localLearner struct{ *engine.Engine }

func (l localLearner) Score(ctx context.Context, a engine.Analysis) (engine.Outcome, error) {
	return l.Analyze(ctx, a)
}

func (l localLearner) ScoreBatch(ctx context.Context, items []engine.Analysis) ([]rpc.BatchItem, error) {
	return rpc.BatchItems(l.AnalyzeBatch(ctx, items)), nil
}

// session holds what the commands of one invocation share. Everything is
// opened on first use so that help and usage errors touch no store.
type session struct {
	stdout, stderr io.Writer

	cfg      *config.Config
	logger   *slog.Logger
	shutdown telemetry.Shutdown
	backend  store.Backend
	engine   *engine.Engine
	remote   *rpc.Client
}

func (s *session) config(c *cli.Context) (*config.Config, error) {
	if s.cfg != nil {
		return s.cfg, nil
	}
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, usagef("%v", err)
	}
	if db := c.String("db"); db != "" {
		cfg.Store.Type = "sqlite"
		cfg.Store.Path = db
	}
	cfg.Log.Level = c.String("log-level")
	logger, err := logging.New(s.stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, usagef("%v", err)
	}
	shutdown, err := telemetry.Init(c.Context, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		shutdown = nil
	}
	s.cfg, s.logger, s.shutdown = cfg, logger, shutdown
	return cfg, nil
}

// local opens the configured store and engine. Commands that read the ledger
// directly cannot run against --remote.
func (s *session) local(c *cli.Context) (*engine.Engine, error) {
	if c.String("remote") != "" {
		return nil, usagef("%s needs a local store and cannot use --remote", c.Command.Name)
	}
	if s.engine != nil {
		return s.engine, nil
	}
	cfg, err := s.config(c)
	if err != nil {
		return nil, err
	}
	registry, err := cfg.Registry()
	if err != nil {
		return nil, usagef("%v", err)
	}
	backend, err := cfg.OpenBackend(c.Context, s.logger)
	if err != nil {
		return nil, err
	}
	s.backend = backend
	s.engine = engine.New(backend, registry, cfg.EngineConfig(), s.logger)
	return s.engine, nil
}

func (s *session) learner(c *cli.Context) (learner, error) {
	addr := c.String("remote")
	if addr == "" {
		e, err := s.local(c)
		if err != nil {
			return nil, err
		}
		return localLearner{e}, nil
	}
	if s.remote == nil {
		client, err := rpc.Dial(addr)
		if err != nil {
			return nil, err
		}
		s.remote = client
	}
	return s.remote, nil
}

func (s *session) print(v any) error {
	enc := json.NewEncoder(s.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (s *session) close(ctx context.Context) error {
	var errs []error
	if s.remote != nil {
		errs = append(errs, s.remote.Close())
	}
	if s.backend != nil {
		errs = append(errs, s.backend.Close())
	}
	if s.shutdown != nil {
		errs = append(errs, s.shutdown(context.WithoutCancel(ctx)))
	}
	return errors.Join(errs...)
}
