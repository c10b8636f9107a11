package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/ai-gateway/internal/admission"
	"github.com/compresr/ai-gateway/internal/audit"
	"github.com/compresr/ai-gateway/internal/config"
	"github.com/compresr/ai-gateway/internal/gateway"
	"github.com/compresr/ai-gateway/internal/invoker"
	"github.com/compresr/ai-gateway/internal/monitoring"
	"github.com/compresr/ai-gateway/internal/pipeline"
	"github.com/compresr/ai-gateway/internal/tools"
)

// loadEncoding fetches the tokenizer for usage estimates.
var loadEncoding = pipeline.LoadEncoding

// server is every long-lived component of a running gateway.
type server struct {
	holder    *config.Holder
	gateway   *gateway.Gateway
	pipeline  *pipeline.Pipeline
	admission *admission.Controller
	catalog   *invoker.Catalog
	tools     *tools.Registry
	sink      *audit.Sink
	closers   []func() error
}

// newServer wires the gateway from the holder's current snapshot. Upstreams
// and tool servers are read once; a reload changes limits, policy and
// redaction but not the set of backends.
func newServer(ctx context.Context, holder *config.Holder, logger *monitoring.Logger) (*server, error) {
	cfg := holder.Current()

	estimator := pipeline.NewEstimator(loadEncoding)
	go estimator.Warm()

	inv, err := buildInvoker(ctx, cfg.Upstreams, estimator)
	if err != nil {
		return nil, err
	}
	catalog := invoker.NewCatalog(inv)
	if err := catalog.Refresh(ctx); err != nil {
		// Serve anyway; /admin/models/refresh retries once upstreams are up.
		log.Warn().Err(err).Msg("model catalog is empty")
	}

	registry, closers, err := buildTools(cfg.Tools, catalog)
	if err != nil {
		return nil, err
	}
	if err := registry.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("some tool providers are unavailable")
	}

	redactor, err := cfg.Redaction.Redactor()
	if err != nil {
		return nil, err
	}
	sink, err := audit.New(cfg.Audit.SinkConfig(), redactor)
	if err != nil {
		return nil, err
	}
	if cfg.Audit.RetentionDays > 0 {
		if n, err := sink.PurgeOlderThan(cfg.Audit.RetentionDays); err != nil {
			log.Warn().Err(err).Msg("audit purge failed")
		} else if n > 0 {
			log.Info().Int("files", n).Int("retention_days", cfg.Audit.RetentionDays).Msg("audit files purged")
		}
	}

	ctrl := admission.New(admission.Options{
		IdleEviction:  cfg.Admission.IdleEviction,
		MaxTrackedIPs: cfg.Admission.MaxTrackedIPs,
	})
	alerts := monitoring.NewAlertManager(logger.Component("alerts"), cfg.Monitoring.Alerts())

	p := pipeline.New(pipeline.Deps{
		Config:    holder,
		Admission: ctrl,
		Invoker:   inv,
		Catalog:   catalog,
		Tools:     registry,
		Audit:     sink,
		Redactor:  redactor,
		Estimator: estimator,
		Logger:    logger.Component("pipeline"),
		Alerts:    alerts,
	})

	holder.OnReload(func(next *config.Config) {
		r, err := next.Redaction.Redactor()
		if err != nil {
			log.Error().Err(err).Msg("redaction rules not reloaded")
			return
		}
		sink.SetRedactor(r)
		p.SetRedactor(r)
	})

	s := &server{
		holder:    holder,
		pipeline:  p,
		admission: ctrl,
		catalog:   catalog,
		tools:     registry,
		sink:      sink,
		closers:   closers,
	}
	s.gateway = gateway.New(gateway.Deps{
		Config:    holder,
		Pipeline:  p,
		Admission: ctrl,
		Catalog:   catalog,
		Tools:     registry,
		Audit:     sink,
		Alerts:    alerts,
		Reload:    s.reload,
		Version:   Version,
	})
	return s, nil
}

// reload re-reads the config, then the model list and tool listings.
func (s *server) reload(ctx context.Context) error {
	if _, err := s.holder.Reload(); err != nil {
		return err
	}
	if err := s.catalog.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("model catalog refresh failed")
	}
	if err := s.tools.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("tool registry refresh failed")
	}
	return nil
}

// Handler exposes the gateway mux.
func (s *server) Handler() http.Handler { return s.gateway.Handler() }

// close drains the gateway and flushes the audit trail.
func (s *server) close(ctx context.Context) {
	if err := s.gateway.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("gateway shutdown error")
	}
	if err := s.sink.Close(ctx); err != nil {
		log.Error().Err(err).Msg("audit flush on shutdown failed")
	}
	s.admission.Close()
	for _, c := range s.closers {
		if err := c(); err != nil {
			log.Debug().Err(err).Msg("close failed")
		}
	}
}

// buildTools registers the built-in providers and every configured tool
// server. The returned closers release tool server connections.
func buildTools(cfg config.ToolsConfig, catalog *invoker.Catalog) (*tools.Registry, []func() error, error) {
	registry := tools.NewRegistry()
	registry.Register(tools.NewGateway(catalog.Models), true)

	if cfg.WorkspaceRoot != "" {
		ws, err := tools.NewWorkspace(config.ExpandEnvWithDefaults(cfg.WorkspaceRoot), cfg.MaxReadBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("tools.workspace_root: %w", err)
		}
		registry.Register(ws, true)
	}

	var closers []func() error
	for _, sc := range cfg.Servers {
		header := make(http.Header, len(sc.Headers))
		for k, v := range sc.Headers {
			header.Set(k, v)
		}
		p := tools.NewWSProvider(tools.WSOptions{Name: sc.Name, URL: sc.URL, Header: header})
		registry.Register(p, false)
		closers = append(closers, p.Close)
	}
	return registry, closers, nil
}

// runServe starts the gateway and blocks until it stops.
func runServe(args []string) int {
	loadEnvFiles()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args) // ExitOnError handles errors

	setupLogging(*debug)

	holder, err := config.NewHolder(configSource(*configPath))
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		return 1
	}
	cfg := holder.Current()

	logCfg := cfg.Monitoring.Logger()
	if *debug {
		logCfg.Level = "debug"
	}
	logger := monitoring.Global(logCfg)
	defer func() { _ = logger.Close() }()

	log.Info().
		Str("version", Version).
		Str("addr", cfg.Server.Addr()).
		Int("upstreams", len(cfg.Upstreams)).
		Bool("tools", cfg.Tools.Enabled).
		Str("audit_dir", cfg.Audit.Dir).
		Msg("AI Gateway starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	srv, err := newServer(ctx, holder, logger)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("failed to start gateway")
		return 1
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.gateway.ListenAndServe() }()

	for {
		select {
		case err := <-errCh:
			if err != nil {
				log.Error().Err(err).Msg("gateway error")
				shutdown(srv)
				return 1
			}
			return 0
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := srv.reload(ctx); err != nil {
					log.Error().Err(err).Msg("reload failed")
				}
				cancel()
				continue
			}
			log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
			shutdown(srv)
			<-errCh
			log.Info().Msg("AI Gateway stopped")
			return 0
		}
	}
}

func shutdown(srv *server) {
	ctx, cancel := context.WithTimeout(context.Background(), srv.holder.Current().Server.ShutdownTimeout)
	defer cancel()
	srv.close(ctx)
}
