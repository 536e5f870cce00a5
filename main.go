package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/daniellavrushin/reqlog/config"
	reqhttp "github.com/daniellavrushin/reqlog/http"
	"github.com/daniellavrushin/reqlog/http/ws"
	"github.com/daniellavrushin/reqlog/log"
	"github.com/daniellavrushin/reqlog/metrics"
	"github.com/daniellavrushin/reqlog/record"
	"github.com/daniellavrushin/reqlog/relay"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var (
	cfg         = config.NewConfig()
	verboseFlag string
	showVersion bool
	Version     = "dev"
	Commit      = "none"
	Date        = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "reqlog",
	Short: "HTTP request logger with live viewers",
	Long: `reqlog logs every HTTP request it receives and pushes each one, as it
happens, to every browser connected to the viewer page over a websocket.`,
	SilenceUsage: true,
	RunE:         runReqlog,
}

func init() {
	cfg.BindFlags(rootCmd)

	rootCmd.Flags().StringVar(&verboseFlag, "verbose", "info", "Set verbosity level (debug, trace, info, error, silent)")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version and exit")
}

func main() {
	initTimezone()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runReqlog(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Printf("reqlog version: %s (%s) %s\n", Version, Commit, Date)
		return nil
	}

	cfg.ApplyLogLevel(verboseFlag)
	if err := cfg.Load(cmd); err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	if cmd.Flags().Changed("verbose") {
		cfg.ApplyLogLevel(verboseFlag)
	}

	if err := initLogging(&cfg); err != nil {
		return fmt.Errorf("logging initialization failed: %w", err)
	}
	defer func() {
		log.CloseErrorFile()
		log.Flush()
	}()

	if err := cfg.Validate(); err != nil {
		return log.Errorf("invalid configuration: %w", err)
	}
	printEffectiveFlags(cmd)

	trusted, err := config.ParseNetworks(cfg.Server.TrustedProxies)
	if err != nil {
		return log.Errorf("invalid configuration: %w", err)
	}
	resolver := record.NewResolver(trusted)

	collector := metrics.NewCollector()
	collector.RecordEvent("info", "reqlog starting up")
	defer func() {
		log.Infof("Final stats: %s", collector.Summary())
		for _, line := range collector.EventLog() {
			log.Infof("Event: %s", line)
		}
	}()

	hub := ws.NewHub(cfg.Hub, resolver, collector)

	var rl *relay.Relay
	var extra []reqhttp.Publisher
	if cfg.Relay.Enabled() {
		rl = relay.New(cfg.Relay, hub, collector)
		extra = append(extra, rl)
		log.Infof("Relaying records through redis %s channel %s", cfg.Relay.Addr, cfg.Relay.Channel)
	}

	receiver := reqhttp.NewReceiver(&cfg, hub, resolver, collector, extra...)

	srv, err := reqhttp.StartServer(&cfg, receiver)
	if err != nil {
		hub.Stop()
		collector.RecordEvent("error", err.Error())
		return log.Errorf("failed to start web server: %w", err)
	}
	srv.OnShutdown(hub.Stop)

	printBanner(srv.Addr().String())
	collector.RecordEvent("info", "reqlog is fully operational")

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Serve)

	g.Go(func() error {
		interval := time.Duration(cfg.Metrics.Interval) * time.Second
		return collector.Run(gctx, interval, func(s string) { log.Infof("Stats: %s", s) })
	})

	if rl != nil {
		g.Go(func() error { return rl.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			log.Infof("Received shutdown signal, closing server...")
			collector.RecordEvent("info", "shutdown initiated by signal")
		}
		return gracefulShutdown(srv, hub, time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	})

	err = g.Wait()
	if err != nil {
		return err
	}
	log.Infof("Server closed")
	return nil
}

func gracefulShutdown(srv *reqhttp.Server, hub *ws.Hub, timeout time.Duration) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	hub.Stop()

	if errors.Is(err, context.DeadlineExceeded) {
		return log.Errorf("shutdown timed out after %s with requests still in flight", timeout)
	}
	if err != nil {
		return log.Errorf("HTTP server shutdown error: %w", err)
	}
	return nil
}

func initTimezone() {
	tzName := os.Getenv("TZ")
	if tzName == "" {
		tzName = "UTC"
	}

	loc, err := time.LoadLocation(tzName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] Failed to load timezone %s: %v, using UTC\n", tzName, err)
		loc = time.UTC
	}

	time.Local = loc
}

func initLogging(cfg *config.Config) error {
	log.Init(os.Stderr, cfg.Logging.Level, cfg.Logging.Instaflush)

	if cfg.Logging.Syslog {
		if err := log.EnableSyslog("reqlog"); err != nil {
			return log.Errorf("failed to enable syslog: %w", err)
		}
		log.Infof("Syslog enabled")
	}

	if cfg.Logging.ErrorFile != "" {
		if err := log.InitErrorFile(cfg.Logging.ErrorFile); err != nil {
			log.Errorf("Failed to open error log file: %v", err)
		} else {
			log.Infof("Error logging to file: %s", cfg.Logging.ErrorFile)
		}
	}
	return nil
}

func printBanner(addr string) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		port = addr
	}
	log.Infof("=================================")
	log.Infof("Request Logger Server Running")
	log.Infof("=================================")
	log.Infof("Port: %s", port)
	log.Infof("URL: http://localhost:%s", port)
	log.Infof("=================================")
}

func printEffectiveFlags(cmd *cobra.Command) {
	var all []*pflag.Flag
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "redis-password" {
			return
		}
		all = append(all, f)
	})
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })

	parts := make([]string, 0, len(all))
	for _, f := range all {
		parts = append(parts, fmt.Sprintf("--%s=%s", f.Name, f.Value.String()))
	}
	log.Debugf("Effective flags: %s", strings.Join(parts, " "))
}
