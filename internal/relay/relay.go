// ABOUTME: Relay process: builds store, bus, providers, pipeline and consumer from config.
// ABOUTME: Runs the consumer alongside HTTP and gRPC health servers with graceful drain on shutdown.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/2389/coven-relay/internal/bus"
	"github.com/2389/coven-relay/internal/bus/jetstream"
	"github.com/2389/coven-relay/internal/bus/memory"
	"github.com/2389/coven-relay/internal/completion"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/consumer"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/maintenance"
	"github.com/2389/coven-relay/internal/pipeline"
	"github.com/2389/coven-relay/internal/store"
)

// conn is a connected bus the relay publishes on.
type conn interface {
	bus.Publisher
	Healthy() bool
	Close() error
}

type memoryConn struct{ *memory.Bus }

func (m memoryConn) Close() error {
	m.Bus.Close()
	return nil
}

// Relay owns every long-lived component of the worker process.
type Relay struct {
	config       *config.Config
	store        *store.SQLiteStore
	bus          conn
	source       bus.Source
	dispatcher   *completion.Dispatcher
	orchestrator *pipeline.Orchestrator
	consumer     *consumer.Consumer
	guard        *dedupe.Guard
	maintenance  *maintenance.Scheduler
	maintRunning bool
	tap          *tap
	grpcServer   *grpc.Server
	health       *health.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger
	startedAt    time.Time
}

// initStore opens the SQLite store, honouring COVEN_RELAY_DB_PATH.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	s, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initBus connects the configured bus driver and opens the inbound source.
func initBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (conn, bus.Source, error) {
	bc := cfg.Bus
	switch bc.Driver {
	case config.BusMemory:
		b := memory.New(logger)
		q := b.Queue(bc.InboundSubject, memory.QueueOptions{
			AckWait:    bc.AckWait,
			MaxDeliver: bc.MaxDeliver,
			FetchWait:  bc.FetchWait,
		})
		return memoryConn{b}, q, nil

	case config.BusJetStream:
		b, err := jetstream.Connect(ctx, jetstream.Options{
			URL:        bc.URL,
			Name:       cfg.Worker.Name,
			Stream:     bc.Stream,
			Subjects:   []string{bc.InboundSubject, bc.OutboundSubject, bc.DeadLetterSubject},
			Inbound:    bc.InboundSubject,
			Consumer:   bc.Consumer,
			AckWait:    bc.AckWait,
			MaxDeliver: bc.MaxDeliver,
			FetchWait:  bc.FetchWait,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		src, err := b.Source(ctx)
		if err != nil {
			_ = b.Close()
			return nil, nil, err
		}
		return b, src, nil

	default:
		return nil, nil, fmt.Errorf("unknown bus driver %q", bc.Driver)
	}
}

func newGRPCServer(logger *slog.Logger) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	logger.Debug("gRPC health service registered")
	return server, hs
}

// New creates a relay from cfg. The caller owns the returned relay and must
// call Run or Shutdown to release its resources.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	dispatcher, err := buildDispatcher(ctx, &cfg.Providers, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	b, src, err := initBus(ctx, cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	extra := make([]envelope.Source, 0, len(cfg.Sources))
	for _, name := range cfg.Sources {
		extra = append(extra, envelope.Source(name))
	}

	guard := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)
	orch := pipeline.New(pipeline.Options{
		Validator: envelope.NewValidator(extra...),
		History:   conversation.NewHistory(s, cfg.Context.Window, logger),
		Completer: dispatcher,
		Writer:    conversation.NewWriter(s, logger),
		Publisher: bus.NewResponsePublisher(b, cfg.Bus.OutboundSubject),
		Guard:     guard,
		Timeout:   cfg.Worker.ProcessingTimeout,
		Logger:    logger,
	})
	cons := consumer.New(src, orch, bus.NewDeadLetter(b, cfg.Bus.DeadLetterSubject), consumer.Options{
		Concurrency:  cfg.Worker.Concurrency,
		FetchBatch:   cfg.Bus.FetchBatch,
		DrainTimeout: cfg.Worker.DrainTimeout,
		MaxDeliver:   cfg.Bus.MaxDeliver,
		Logger:       logger,
	})

	r := &Relay{
		config:       cfg,
		store:        s,
		bus:          b,
		source:       src,
		dispatcher:   dispatcher,
		orchestrator: orch,
		consumer:     cons,
		guard:        guard,
		logger:       logger.With("component", "relay"),
		startedAt:    time.Now(),
	}

	if mc, ok := b.(memoryConn); ok {
		r.tap = startTap(mc.Bus, cfg.Bus.OutboundSubject, cfg.Bus.DeadLetterSubject, logger)
	}

	if cfg.Maintenance.Enabled {
		r.maintenance, err = maintenance.New(s, maintenance.Options{
			Retention:     cfg.Maintenance.IdempotencyRetention,
			PruneInterval: cfg.Maintenance.PruneInterval,
			Logger:        logger,
		})
		if err != nil {
			r.closeComponents()
			return nil, err
		}
	}

	r.grpcServer, r.health = newGRPCServer(r.logger)
	r.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return r, nil
}

// setupTCPListeners creates TCP listeners for HTTP and, when configured, gRPC.
func (r *Relay) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	if r.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", r.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", r.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (r *Relay) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if r.config.Tailscale.Enabled {
		return r.setupTailscaleListeners(ctx)
	}
	return r.setupTCPListeners()
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-relay", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens on :80 and :50051 there.
func (r *Relay) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := r.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	r.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	r.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := r.tsnetServer.Up(ctx)
	if err != nil {
		_ = r.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	if len(status.TailscaleIPs) > 0 {
		r.logger.Info("tailscale node ready", "hostname", tsCfg.Hostname, "tailscale_ip", status.TailscaleIPs[0].String())
	}

	grpcLn, err = r.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = r.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = r.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = r.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (r *Relay) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			r.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := r.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		r.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := r.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Run starts the servers, the maintenance jobs and the consumer, and blocks
// until ctx is cancelled or a component fails. In-flight envelopes are
// drained before the servers stop.
func (r *Relay) Run(ctx context.Context) error {
	grpcLn, httpLn, err := r.setupListeners(ctx)
	if err != nil {
		r.closeComponents()
		return err
	}
	errCh := r.startServers(grpcLn, httpLn)

	if r.maintenance != nil {
		r.maintenance.Start()
		r.maintRunning = true
	}

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	consumerDone := make(chan error, 1)
	go func() { consumerDone <- r.consumer.Run(consumerCtx) }()
	r.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	var runErr error
	consumerStopped := false
	select {
	case <-ctx.Done():
		r.logger.Info("context canceled, initiating shutdown")
	case err := <-errCh:
		r.logger.Error("server error", "error", err)
		runErr = err
	case err := <-consumerDone:
		consumerStopped = true
		if err != nil {
			r.logger.Error("consumer stopped", "error", err)
			runErr = fmt.Errorf("consumer: %w", err)
		}
	}

	r.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	stopConsumer()
	if !consumerStopped {
		if err := <-consumerDone; err != nil && runErr == nil && !errors.Is(err, bus.ErrClosed) {
			runErr = fmt.Errorf("consumer: %w", err)
		}
	}

	shutdownErr := r.gracefulShutdown()
	if runErr != nil {
		return runErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (r *Relay) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (r *Relay) shutdownGRPCServer(ctx context.Context) {
	r.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		r.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		r.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents releases everything New created.
func (r *Relay) closeComponents() []error {
	var errs []error
	if r.maintRunning {
		errs = appendCloseError(errs, "maintenance shutdown", r.maintenance.Shutdown())
		r.maintRunning = false
	}
	if r.guard != nil {
		r.guard.Close()
	}
	errs = appendCloseError(errs, "bus close", r.bus.Close())
	if r.tap != nil {
		r.tap.stop()
		r.tap = nil
	}
	errs = appendCloseError(errs, "store close", r.store.Close())
	return errs
}

// Shutdown stops the servers and releases resources. The consumer must
// already have stopped.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down relay")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", r.httpServer.Shutdown(ctx))
	r.shutdownGRPCServer(ctx)

	if r.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", r.tsnetServer.Close())
	}
	errs = append(errs, r.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
