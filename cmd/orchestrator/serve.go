package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"wavecrew/internal/agent"
	"wavecrew/internal/config"
	"wavecrew/internal/domain"
	"wavecrew/internal/fs"
	"wavecrew/internal/messaging/dbosq"
	"wavecrew/internal/messaging/inproc"
	"wavecrew/internal/messaging/natsjs"
	"wavecrew/internal/metrics"
	"wavecrew/internal/notify"
	"wavecrew/internal/orchestrator"
	"wavecrew/internal/policy"
	sqlitestore "wavecrew/internal/store/sqlite"
)

func serve(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Server.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}
	if err := os.MkdirAll(cfg.Server.WorkspaceRoot, 0o755); err != nil {
		return fmt.Errorf("create workspace directory: %w", err)
	}

	store, err := sqlitestore.Open(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}

	m := metrics.New()
	files, err := fs.NewGateway(cfg.Server.WorkspaceRoot, policy.New(cfg.WriteScopes()), store)
	if err != nil {
		return fmt.Errorf("create file gateway: %w", err)
	}
	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}
	orchCfg := orchestratorConfig(cfg)
	poolCfg := agent.PoolConfig{
		TaskTimeout: config.Millis(cfg.Orchestrator.TaskTimeoutMS),
		Workers:     cfg.Orchestrator.AgentWorkers,
	}

	g, gctx := errgroup.WithContext(ctx)
	var (
		svc      *orchestrator.Service
		pool     *agent.Pool
		shutdown []func()
	)
	switch cfg.Transport.Kind {
	case config.TransportNATS:
		js, err := natsjs.Connect(ctx, natsjs.Config{
			URL:           cfg.Transport.NATSURL,
			Stream:        cfg.Transport.NATSStream,
			SubjectPrefix: cfg.Transport.NATSSubjectPrefix,
		}, logger)
		if err != nil {
			return err
		}
		shutdown = append(shutdown, js.Close)
		notifier, closeNotify, err := buildNotifier(cfg, js.Conn(), logger)
		if err != nil {
			js.Close()
			return err
		}
		shutdown = append(shutdown, closeNotify)
		svc = orchestrator.New(store, js, notifier, notifier, orchCfg, logger).WithMetrics(m)
		pool = agent.NewPool(registry, svc, files, poolCfg, logger).WithMetrics(m)
		workers := cfg.Orchestrator.AgentWorkers
		if workers <= 0 {
			workers = 2
		}
		for _, t := range registry.Types() {
			target := string(t)
			for i := 0; i < workers; i++ {
				g.Go(func() error {
					return js.Consume(gctx, target, pool.Handle)
				})
			}
		}
	case config.TransportDBOS:
		gate := newGatedCompleter()
		pool = agent.NewPool(registry, gate, files, poolCfg, logger).WithMetrics(m)
		q, err := dbosq.Open(ctx, dbosq.Config{
			AppName:     cfg.Transport.DBOSAppName,
			DatabaseURL: cfg.Transport.DBOSDatabaseURL,
		}, pool.Handle, logger)
		if err != nil {
			return err
		}
		shutdown = append(shutdown, q.Close)
		notifier, closeNotify, err := buildNotifier(cfg, nil, logger)
		if err != nil {
			q.Close()
			return err
		}
		shutdown = append(shutdown, closeNotify)
		svc = orchestrator.New(store, q, notifier, notifier, orchCfg, logger).WithMetrics(m)
		gate.set(svc)
	default:
		bus := inproc.New(cfg.Transport.BusBuffer)
		notifier, closeNotify, err := buildNotifier(cfg, nil, logger)
		if err != nil {
			return err
		}
		shutdown = append(shutdown, closeNotify)
		svc = orchestrator.New(store, bus, notifier, notifier, orchCfg, logger).WithMetrics(m)
		pool = agent.NewPool(registry, svc, files, poolCfg, logger).WithMetrics(m)
		pool.Start(gctx, bus)
	}
	defer func() {
		for i := len(shutdown) - 1; i >= 0; i-- {
			shutdown[i]()
		}
	}()

	svc.Start(gctx)

	a := &app{cfg: cfg, orchestrator: svc, metrics: m, logger: logger}
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           loggingMiddleware(logger, a.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	logger.Printf(
		"wavecrew started addr=%s db=%s workspace=%s transport=%s agents=%v",
		cfg.Server.Addr,
		cfg.Server.DBPath,
		cfg.Server.WorkspaceRoot,
		cfg.Transport.Kind,
		registry.Types(),
	)

	err = g.Wait()
	svc.Wait()
	pool.Wait()
	return err
}

func orchestratorConfig(cfg config.Config) orchestrator.Config {
	o := cfg.Orchestrator
	return orchestrator.Config{
		RelayInterval:       config.Millis(o.RelayIntervalMS),
		RelayBatch:          o.RelayBatch,
		RelayConcurrency:    o.RelayConcurrency,
		RetryDelay:          config.Millis(o.RetryDelayMS),
		MaxRetryDelay:       config.Millis(o.MaxRetryDelayMS),
		MaxRetries:          o.MaxRetries,
		WatchdogInterval:    config.Millis(o.WatchdogIntervalMS),
		StaleAfter:          config.Millis(o.StaleAfterMS),
		MaxWaveSize:         o.MaxWaveSize,
		PassThreshold:       o.PassThreshold,
		MaxFixAttempts:      o.MaxFixAttempts,
		ExtendedFixAttempts: o.ExtendedFixAttempts,
		MaxAutofixRetries:   o.MaxAutofixRetries,
	}
}

// buildRegistry creates one agent per known type, as configured under
// [agents.<type>].
func buildRegistry(cfg config.Config, logger *log.Logger) (*agent.Registry, error) {
	agents := make([]agent.Agent, 0, len(domain.AgentTypes))
	for _, t := range domain.AgentTypes {
		ac := cfg.Agent(t)
		switch ac.Kind {
		case config.AgentKindHTTP:
			a, err := agent.NewHTTPAgent(agent.HTTPConfig{
				Type:      t,
				Endpoint:  ac.Endpoint,
				AuthToken: ac.AuthToken,
				Timeout:   config.Millis(ac.TimeoutMS),
				Logger:    logger,
			})
			if err != nil {
				return nil, fmt.Errorf("agent %s: %w", t, err)
			}
			agents = append(agents, a)
		default:
			a, err := agent.NewCommandAgent(agent.CommandConfig{
				Type:    t,
				Command: ac.Command,
				Args:    ac.Args,
				Workdir: ac.Workdir,
			})
			if err != nil {
				return nil, fmt.Errorf("agent %s: %w", t, err)
			}
			agents = append(agents, a)
		}
	}
	return agent.NewRegistry(agents...)
}

// buildNotifier wires the notify channels. conn is reused for NATS subjects
// when the dispatch transport already holds a connection; otherwise one is
// opened from notify.nats_url or transport.nats_url.
func buildNotifier(cfg config.Config, conn *nats.Conn, logger *log.Logger) (*notify.Dispatcher, func(), error) {
	closeFn := func() {}
	n := cfg.Notify
	needsNATS := strings.TrimSpace(n.NATSSubject) != "" || strings.TrimSpace(n.DeployNATSSubject) != ""
	var pub notify.Publisher
	if needsNATS {
		if conn == nil {
			url := firstNonEmpty(n.NATSURL, cfg.Transport.NATSURL, nats.DefaultURL)
			nc, err := nats.Connect(url, nats.Name("wavecrew-notify"), nats.MaxReconnects(-1))
			if err != nil {
				return nil, nil, fmt.Errorf("connect notify nats %s: %w", url, err)
			}
			conn = nc
			closeFn = nc.Close
		}
		pub = conn
	}
	d, err := notify.New(notify.Config{
		WebhookURL:        n.WebhookURL,
		WebhookSecret:     n.WebhookSecret,
		NATSSubject:       n.NATSSubject,
		DeployWebhookURL:  n.DeployWebhookURL,
		DeployNATSSubject: n.DeployNATSSubject,
		Timeout:           config.Millis(n.TimeoutMS),
	}, pub, logger)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("build notifier: %w", err)
	}
	return d, closeFn, nil
}

// gatedCompleter holds completions until the orchestrator exists. DBOS may
// recover pending dispatch workflows while Open is still running.
type gatedCompleter struct {
	ready chan struct{}
	svc   *orchestrator.Service
}

func newGatedCompleter() *gatedCompleter {
	return &gatedCompleter{ready: make(chan struct{})}
}

func (g *gatedCompleter) set(svc *orchestrator.Service) {
	g.svc = svc
	close(g.ready)
}

func (g *gatedCompleter) HandleCompletion(ctx context.Context, ev domain.CompletionEvent) (domain.CompletionOutcome, error) {
	select {
	case <-ctx.Done():
		return domain.CompletionOutcome{}, ctx.Err()
	case <-g.ready:
	}
	return g.svc.HandleCompletion(ctx, ev)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
