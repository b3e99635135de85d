package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/time/rate"

	"github.com/c360studio/repairplanner/agent"
	"github.com/c360studio/repairplanner/config"
	"github.com/c360studio/repairplanner/events"
	"github.com/c360studio/repairplanner/fault"
	"github.com/c360studio/repairplanner/llm"
	"github.com/c360studio/repairplanner/llm/gemini"
	"github.com/c360studio/repairplanner/metrics"
	"github.com/c360studio/repairplanner/model"
	"github.com/c360studio/repairplanner/orchestrator"
	"github.com/c360studio/repairplanner/planner"
	"github.com/c360studio/repairplanner/storage"
	"github.com/c360studio/repairplanner/workorder"
)

// EnvGeminiAPIKey holds the API key passed to the Gemini backend.
const EnvGeminiAPIKey = "GEMINI_API_KEY"

// App wires configuration to the pipeline components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	getenv func(string) string

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	// Storage
	agentBucket storage.Bucket
	orderBucket storage.Bucket
	agents      *agent.Manager
	store       *workorder.Store

	// Pipeline
	mapper       *fault.TableMapper
	watcher      *fault.TaxonomyWatcher
	metrics      *metrics.Metrics
	orchestrator *orchestrator.Orchestrator

	cancel context.CancelFunc
}

// NewApp creates an application for cfg.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger, getenv: os.Getenv}
}

// agentSpec is the planning agent declared by this build.
func (a *App) agentSpec() agent.Spec {
	return agent.PlannerSpec(a.cfg.Planner.AgentName, a.cfg.Planner.ModelDeployment, nil)
}

// StartStore connects to NATS and opens the agent and work order buckets.
func (a *App) StartStore(ctx context.Context) error {
	if a.js != nil {
		return nil
	}
	if err := a.startNATS(); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	openCtx, cancel := context.WithTimeout(ctx, a.cfg.Store.Timeout)
	defer cancel()

	agents, err := storage.OpenKV(openCtx, a.js, storage.BucketConfig{
		Name:        a.cfg.Store.AgentBucket,
		Description: "Repair planner agent definitions",
	})
	if err != nil {
		return fmt.Errorf("open agent bucket: %w", err)
	}
	orders, err := storage.OpenKV(openCtx, a.js, storage.BucketConfig{
		Name:        a.cfg.WorkOrderBucket(),
		Description: "Repair work orders",
	})
	if err != nil {
		return fmt.Errorf("open work order bucket: %w", err)
	}

	a.agentBucket = agents
	a.orderBucket = orders
	a.agents = agent.NewManager(agents, agent.WithLogger(a.logger))
	a.store = workorder.NewStore(orders, workorder.WithLogger(a.logger))
	return nil
}

// StartPipeline starts everything ProcessFault needs: store, mapper, model
// client, metrics endpoint and the optional taxonomy watcher.
func (a *App) StartPipeline(ctx context.Context) error {
	if err := a.cfg.RequireEndpoint(); err != nil {
		return err
	}
	if err := a.StartStore(ctx); err != nil {
		return err
	}

	mapper, err := loadMapper(a.cfg.Taxonomy.Path)
	if err != nil {
		return err
	}
	a.mapper = mapper

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.cfg.Metrics.Addr != "" {
		a.metrics = metrics.New()
		go func() {
			if err := a.metrics.Serve(runCtx, a.cfg.Metrics.Addr, a.logger); err != nil {
				a.logger.Error("Metrics server stopped", "error", err)
			}
		}()
	}

	if a.cfg.Taxonomy.Watch && a.cfg.Taxonomy.Path != "" {
		w, err := fault.NewTaxonomyWatcher(a.cfg.Taxonomy.Path, mapper, a.logger)
		if err != nil {
			return fmt.Errorf("watch taxonomy: %w", err)
		}
		w.Start(runCtx)
		a.watcher = w
	}

	completer, err := newCompleter(ctx, a.cfg, a.getenv, a.metrics, a.logger)
	if err != nil {
		return err
	}

	var publisher events.Publisher = events.Nop{}
	if a.natsConn != nil {
		publisher = events.NewNATSPublisher(a.natsConn, a.cfg.Events.SubjectPrefix)
	}

	a.orchestrator = orchestrator.New(orchestrator.Deps{
		Provisioner: a.agents,
		Spec:        a.agentSpec(),
		Mapper:      mapper,
		Generator: planner.NewGenerator(completer, planner.Config{
			Temperature: a.cfg.Planner.Temperature,
			MaxTokens:   a.cfg.Planner.MaxTokens,
			Timeout:     a.cfg.Planner.Timeout,
		}, planner.WithLogger(a.logger)),
		Store:     a.store,
		Publisher: publisher,
	},
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithConcurrency(a.cfg.Batch.Concurrency),
	)
	return nil
}

func loadMapper(path string) (*fault.TableMapper, error) {
	if path == "" {
		return fault.NewTableMapper(fault.DefaultTaxonomy()), nil
	}
	t, err := fault.LoadTaxonomyFile(path)
	if err != nil {
		return nil, err
	}
	return fault.NewTableMapper(t), nil
}

// newCompleter builds the model client for the configured provider.
func newCompleter(ctx context.Context, cfg *config.Config, getenv func(string) string, m *metrics.Metrics, logger *slog.Logger) (llm.Completer, error) {
	pc := cfg.Planner

	var limiter *rate.Limiter
	if pc.RequestsPerSecond > 0 {
		burst := pc.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(pc.RequestsPerSecond), burst)
	}

	if pc.Provider == "gemini" {
		gc, err := gemini.New(ctx, gemini.Config{
			APIKey:  getenv(EnvGeminiAPIKey),
			Model:   pc.ModelDeployment,
			BaseURL: pc.Endpoint,
		},
			gemini.WithRetryConfig(pc.Retry),
			gemini.WithLimiter(limiter),
			gemini.WithObserver(m),
			gemini.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return gc, nil
	}

	registry := model.NewRegistry()
	registry.SetDeployment(pc.ModelDeployment, &model.DeploymentConfig{
		Provider:  pc.Provider,
		URL:       pc.Endpoint,
		Model:     pc.ModelDeployment,
		MaxTokens: pc.MaxTokens,
	})

	var chain []string
	for _, fb := range pc.Fallbacks {
		dep := &model.DeploymentConfig{
			Provider:  fb.Provider,
			URL:       fb.Endpoint,
			Model:     fb.Model,
			MaxTokens: pc.MaxTokens,
		}
		if dep.Provider == "" {
			dep.Provider = pc.Provider
		}
		if dep.URL == "" {
			dep.URL = pc.Endpoint
		}
		if dep.Model == "" {
			dep.Model = fb.Name
		}
		registry.SetDeployment(fb.Name, dep)
		chain = append(chain, fb.Name)
	}
	registry.SetFallbacks(pc.ModelDeployment, chain)

	opts := []llm.ClientOption{
		llm.WithRetryConfig(pc.Retry),
		llm.WithLogger(logger),
	}
	if limiter != nil {
		opts = append(opts, llm.WithLimiter(limiter))
	}
	if m != nil {
		opts = append(opts, llm.WithObserver(m))
	}
	return llm.NewClient(registry, opts...), nil
}

func (a *App) startNATS() error {
	if a.cfg.Store.URL != "" {
		a.logger.Info("Connecting to NATS", "url", a.cfg.Store.URL)
		opts := []nats.Option{
			nats.Name(appName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
		}
		if a.cfg.Store.CredentialsFile != "" {
			opts = append(opts, nats.UserCredentials(a.cfg.Store.CredentialsFile))
		}
		conn, err := nats.Connect(a.cfg.Store.URL, opts...)
		if err != nil {
			return fmt.Errorf(`connect to NATS at %s: %w

Set NATS_URL to a reachable server, or leave store.url empty to use the embedded server`, a.cfg.Store.URL, err)
		}
		a.natsConn = conn
	} else {
		a.logger.Info("Starting embedded NATS server", "data_dir", a.cfg.Store.DataDir)
		ns, err := storage.StartEmbedded(a.cfg.Store.DataDir)
		if err != nil {
			return err
		}
		a.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL(), nats.Name(appName))
		if err != nil {
			ns.Shutdown()
			a.embeddedServer = nil
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js
	return nil
}

// Shutdown stops background work and closes connections.
func (a *App) Shutdown() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Warn("Taxonomy watcher stop failed", "error", err)
		}
	}
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			a.logger.Debug("NATS drain failed", "error", err)
		}
		a.natsConn.Close()
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}
