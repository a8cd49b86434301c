package commands

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/am"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/internal/tracing"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/publisher"
	"github.com/teranos/postpulse/pulse/schedule"
	"github.com/teranos/postpulse/server"
	"github.com/teranos/postpulse/sym"
)

// publisherConnectTimeout bounds the eager MCP handshake at startup
const publisherConnectTimeout = 10 * time.Second

// ServeCmd runs the dispatcher, the retention janitor and the HTTP API
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: sym.Pulse + " Run the scheduler daemon and HTTP API",
	Long: sym.Pulse + ` serve - run the scheduled publish daemon in the foreground.

The daemon:
- Polls for due schedules every scheduler.tick_interval_seconds
- Publishes each due post through the MCP publish tool
- Serves the schedule and history API, /health, /metrics and /ws
- Prunes execution logs and history on the retention.cron schedule
- Applies publisher rate limit changes when the config file is edited

SIGINT or SIGTERM drains the API and finishes the running tick before exit.
Under systemd (Type=notify) readiness and shutdown are reported via sd_notify.

Examples:
  postpulse serve                       # Use the config cascade
  postpulse serve --config ./am.toml    # Use one explicit file
  postpulse serve --port 9000           # Override server.port`,
	RunE: runServe,
}

var servePort int

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	log := logger.ComponentLogger("daemon")

	shutdownTracing, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Output:      os.Stderr,
	})
	if err != nil {
		return err
	}

	st, err := newStack(cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer st.Close()

	loc := st.calc.Location()
	ticker := schedule.NewTicker(st.jobs, st.engine, st.clock, schedule.TickerConfig{
		Interval: cfg.TickInterval(),
	}, logger.Logger)
	janitor, err := schedule.NewJanitor(st.logs, st.history, st.clock, schedule.JanitorConfig{
		Schedule: cfg.Retention.Cron,
		Days:     cfg.Retention.Days,
		Location: loc,
	}, logger.Logger)
	if err != nil {
		return err
	}

	srvCfg := server.Config{
		Addr:           net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}
	if cfg.Server.GRPCPort > 0 {
		srvCfg.GRPCAddr = net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCPort))
	}
	srv := server.NewServer(srvCfg, server.Deps{
		Service: st.service,
		History: st.history,
		Ticker:  ticker,
		Janitor: janitor,
		Limiter: st.limiter,
	}, logger.Logger)
	st.engine.SetBroadcaster(srv.Hub())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectPublisher(ctx, st.mcp, log)

	if err := srv.Start(); err != nil {
		return err
	}
	// Stopped explicitly below, after the API has drained
	ticker.Start(context.Background())
	janitor.Start()
	watcher := watchConfig(st.limiter, log)

	logger.AddPulseOpenSymbol(log).Infow("Daemon started",
		logger.FieldAddress, srv.Addr(),
		"grpc_address", srv.GRPCAddr(),
		"timezone", loc.String(),
		"tick_interval", cfg.TickInterval().String(),
		"publisher", cfg.Publisher.URL)
	notifySystemd(daemon.SdNotifyReady, log)

	pterm.Success.Printfln("%s postpulse listening on http://%s", sym.PulseOpen, srv.Addr())
	pterm.Info.Printfln("Dispatcher every %s in %s; press Ctrl+C to stop", cfg.TickInterval(), loc)

	<-ctx.Done()

	closeLog := logger.AddPulseCloseSymbol(log)
	closeLog.Infow("Shutdown signal received")
	notifySystemd(daemon.SdNotifyStopping, log)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
	defer cancel()

	// Stop intake first, then let the running tick finish
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			closeLog.Debugw("Config watcher stop failed", logger.FieldError, err)
		}
	}
	janitor.Stop()
	var shutdownErr error
	if err := srv.Stop(shutdownCtx); err != nil {
		shutdownErr = err
	}
	ticker.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		closeLog.Warnw("Trace flush failed", logger.FieldError, err)
	}

	closeLog.Infow("Daemon stopped")
	return shutdownErr
}

// connectPublisher opens the MCP session eagerly so a misconfigured URL
// shows up at startup. Failure is not fatal: the session is retried on the
// first publish.
func connectPublisher(ctx context.Context, p *publisher.MCPPublisher, log *zap.SugaredLogger) {
	connectCtx, cancel := context.WithTimeout(ctx, publisherConnectTimeout)
	defer cancel()

	if err := p.Connect(connectCtx); err != nil {
		log.Warnw("Publisher not reachable yet",
			logger.FieldError, err,
			"hints", errors.FlattenHints(err))
		return
	}
	info := p.ServerInfo()
	log.Infow("Publisher connected", "server", info.Name, "server_version", info.Version)
}

// watchConfig applies publisher rate limit edits without a restart. It
// returns nil when there is no config file to watch.
func watchConfig(limiter *publisher.RateLimiter, log *zap.SugaredLogger) *am.ConfigWatcher {
	var (
		watcher *am.ConfigWatcher
		err     error
	)
	switch {
	case ConfigFile != "":
		watcher, err = am.NewFileConfigWatcher(ConfigFile)
	case am.ConfigFileUsed() != "":
		watcher, err = am.NewConfigWatcher(am.ConfigFileUsed())
	default:
		return nil
	}
	if err != nil {
		log.Warnw("Config hot reload disabled", logger.FieldError, err)
		return nil
	}

	watcher.OnReload(func(cfg *am.Config) error {
		limiter.SetLimit(cfg.Publisher.RateLimitPerMin, cfg.Publisher.RateLimitBurst)
		log.Infow("Publisher rate limit updated",
			"per_minute", cfg.Publisher.RateLimitPerMin,
			"burst", cfg.Publisher.RateLimitBurst)
		return nil
	})
	watcher.Start()
	return watcher
}

// notifySystemd reports state to systemd; a no-op outside a notify unit
func notifySystemd(state string, log *zap.SugaredLogger) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warnw("sd_notify failed", "state", state, logger.FieldError, err)
		return
	}
	if sent {
		log.Debugw("sd_notify sent", "state", state)
	}
}
