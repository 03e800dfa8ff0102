package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pingsantohq/healthagent/internal/certs"
	"github.com/pingsantohq/healthagent/internal/config"
	"github.com/pingsantohq/healthagent/internal/diag"
	"github.com/pingsantohq/healthagent/internal/events"
	"github.com/pingsantohq/healthagent/internal/exchange"
	"github.com/pingsantohq/healthagent/internal/health"
	"github.com/pingsantohq/healthagent/internal/logging"
	"github.com/pingsantohq/healthagent/internal/metrics"
	"github.com/pingsantohq/healthagent/internal/probe"
	"github.com/pingsantohq/healthagent/internal/runtime"
	"github.com/pingsantohq/healthagent/internal/status"
	"github.com/pingsantohq/healthagent/internal/transmit"
	"github.com/pingsantohq/healthagent/internal/uplink"
)

const finalFlushTimeout = 5 * time.Second

func main() {
	ctx := context.Background()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = run(ctx, os.Args[2:])
	case "diag":
		err = diag.Run(ctx, os.Args[2:], diag.Dependencies{})
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("healthagent - continuous endpoint health monitoring")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  healthagent run [--config /etc/healthagent/agent.yaml]")
	fmt.Println("  healthagent diag [--config path] [--data-dir dir] [--output file] [--status-url url]")
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to agent configuration file (default $HEALTHAGENT_CONFIG or "+config.DefaultConfigPath+")")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		cfg config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(ctx, *configPath)
	} else {
		cfg, err = config.LoadFromEnv(ctx)
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.Log.Level)

	if err := os.MkdirAll(cfg.Agent.DataDir, 0o700); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}
	state, err := config.EnsureState(ctx, cfg.Agent.DataDir, cfg.Agent.Server, time.Now())
	if err != nil {
		return fmt.Errorf("load agent state: %w", err)
	}
	logger = logger.With().Str("agent_id", state.AgentID).Logger()
	logger.Info().Str("server", cfg.Agent.Server).Str("data_dir", cfg.Agent.DataDir).Msg("agent starting")

	metricsStore := metrics.NewStore()
	checker := health.NewChecker(metricsStore, cfg.Queue.Capacity, cfg.Exchange.RefreshInterval*3)
	eventLog := events.NewLogRecorder(logger)

	resolver := probe.DefaultRegistry(cfg.Agent.DNSServer)
	if len(cfg.Agent.MonitorTypes) > 0 {
		resolver.Only(cfg.Agent.MonitorTypes)
	}

	rt := runtime.New(
		runtime.WithQueueCapacity(cfg.Queue.Capacity),
		runtime.WithMonitorSettings(cfg.MonitorSettings()),
		runtime.WithResolver(resolver),
		runtime.WithMetricsStore(metricsStore),
		runtime.WithEventRecorder(eventLog),
		runtime.WithLogger(logger),
		runtime.WithStartRate(rate.Limit(cfg.Engine.StartRate), cfg.Engine.StartBurst),
	)

	var tlsConfig *tls.Config
	if cfg.TLS.Enabled() {
		files := certs.ClientFiles{CertPath: cfg.TLS.CertPath, KeyPath: cfg.TLS.KeyPath, CAPath: cfg.TLS.CAPath}
		tlsConfig, err = files.TLSConfig(cfg.Agent.Server)
		if err != nil {
			return fmt.Errorf("load TLS config: %w", err)
		}
		if expiry, err := files.Expiry(); err != nil {
			logger.Warn().Err(err).Msg("failed to determine certificate expiry")
		} else {
			checker.SetCertExpiry(expiry.UTC())
		}
	}

	httpClient, err := uplink.NewHTTPClient(tlsConfig, cfg.Exchange.RequestTimeout)
	if err != nil {
		return fmt.Errorf("init HTTP client: %w", err)
	}
	client, err := uplink.NewClient(
		uplink.Config{
			ServerURL:       cfg.Agent.Server,
			AgentID:         state.AgentID,
			ConfigPublicKey: cfg.Exchange.ConfigPublicKey,
		},
		uplink.Dependencies{
			HTTPClient: httpClient,
			Logger:     &logger,
		},
	)
	if err != nil {
		return fmt.Errorf("init uplink client: %w", err)
	}

	refresher, err := exchange.NewRefresher(
		exchange.Config{
			MonitorTypes:    resolver.MonitorTypes(),
			RefreshInterval: cfg.Exchange.RefreshInterval,
			StartupAttempts: cfg.Exchange.StartupAttempts,
			StartupDelay:    cfg.Exchange.StartupDelay,
		},
		exchange.Dependencies{
			Collector: client,
			Registry:  rt.Registry(),
			Settings:  rt.Settings(),
			Readiness: checker,
			Metrics:   metricsStore.ExchangeRecorder(),
			Logger:    &logger,
		},
	)
	if err != nil {
		return fmt.Errorf("init refresher: %w", err)
	}

	transmitter := transmit.New(rt.Buffer(), client,
		transmit.WithInterval(cfg.Exchange.UploadInterval),
		transmit.WithBatchSize(cfg.Exchange.BatchSize),
		transmit.WithMaxWait(cfg.Exchange.MaxWait),
		transmit.WithLogger(logger),
		transmit.WithMetrics(uploadObserver{ExchangeRecorder: metricsStore.ExchangeRecorder(), checker: checker}),
		transmit.WithEventRecorder(eventLog),
	)

	statusSrv, err := status.New(
		status.Config{Addr: cfg.Agent.StatusAddr},
		status.Dependencies{
			Endpoints: rt.Registry(),
			Metrics:   metricsStore,
			Readiness: checker,
			Logger:    &logger,
		},
	)
	if err != nil {
		return fmt.Errorf("init status API: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	grp, groupCtx := errgroup.WithContext(runCtx)

	grp.Go(func() error {
		return statusSrv.Serve(groupCtx)
	})

	grp.Go(func() error {
		return rt.Run(groupCtx)
	})

	grp.Go(func() error {
		if err := refresher.Startup(groupCtx); err != nil {
			return err
		}
		return refresher.Run(groupCtx)
	})

	grp.Go(func() error {
		return transmitter.Run(groupCtx)
	})

	err = grp.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	sent, dropped := transmitter.Flush(flushCtx)
	cancel()
	if sent > 0 || dropped > 0 {
		logger.Info().Int("sent", sent).Int("dropped", dropped).Msg("final upload flush")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("agent stopped")
	return nil
}

// uploadObserver forwards upload outcomes to both the metrics store and the
// readiness checker.
type uploadObserver struct {
	metrics.ExchangeRecorder
	checker *health.Checker
}

func (o uploadObserver) ObserveUpload(updates int, err error) {
	o.ExchangeRecorder.ObserveUpload(updates, err)
	o.checker.ObserveUpload(updates, err)
}
