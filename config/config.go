package config

import (
	"fmt"
	"strings"

	"github.com/daniellavrushin/reqlog/log"
	"github.com/spf13/cobra"
	"github.com/yl2chen/cidranger"
)

const (
	DefaultPort          = 3000
	DefaultRelayChannel  = "reqlog:records"
	DefaultPagePath      = "web/request-logger.html"
	DefaultViewerPath    = "/index.html"
	DefaultSubscribePath = "/ws"
)

var DefaultConfig = Config{
	EnvFile: ".env",
	Server: ServerConfig{
		Host:            "",
		Port:            DefaultPort,
		PagePath:        DefaultPagePath,
		ViewerPath:      DefaultViewerPath,
		SubscribePath:   DefaultSubscribePath,
		TrustedProxies:  []string{},
		MaxConns:        0,
		ShutdownTimeout: 10,
	},
	Hub: HubConfig{
		MaxSubscribers: 0,
		SendBuffer:     256,
		WriteTimeout:   10,
		PingInterval:   54,
	},
	Relay: RelayConfig{
		Channel: DefaultRelayChannel,
	},
	Logging: Logging{
		Level:      log.LevelInfo,
		Instaflush: true,
		Syslog:     false,
	},
}

// NewConfig returns a copy of DefaultConfig with its own slices.
func NewConfig() Config {
	cfg := DefaultConfig
	cfg.Server.TrustedProxies = append([]string{}, DefaultConfig.Server.TrustedProxies...)
	return cfg
}

func (c *Config) BindFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.ConfigPath, "config", c.ConfigPath, "Path to JSON config file")
	cmd.Flags().StringVar(&c.EnvFile, "env-file", c.EnvFile, "Path to .env file (missing file is ignored)")

	// Server
	cmd.Flags().StringVar(&c.Server.Host, "host", c.Server.Host, "Address to bind (empty = all interfaces)")
	cmd.Flags().IntVarP(&c.Server.Port, "port", "p", c.Server.Port, "Port to listen on (env PORT)")
	cmd.Flags().StringVar(&c.Server.PagePath, "page", c.Server.PagePath, "Viewer page HTML file")
	cmd.Flags().StringVar(&c.Server.ViewerPath, "viewer-path", c.Server.ViewerPath, "URL path of the viewer page (\"/\" always serves it too)")
	cmd.Flags().StringVar(&c.Server.SubscribePath, "ws-path", c.Server.SubscribePath, "URL path of the websocket endpoint")
	cmd.Flags().StringSliceVar(&c.Server.TrustedProxies, "trusted-proxies", c.Server.TrustedProxies, "IPs/CIDRs allowed to set X-Forwarded-For (empty trusts every peer)")
	cmd.Flags().IntVar(&c.Server.MaxConns, "max-conns", c.Server.MaxConns, "Maximum concurrent TCP connections (0 = unlimited)")
	cmd.Flags().IntVar(&c.Server.ShutdownTimeout, "shutdown-timeout", c.Server.ShutdownTimeout, "Graceful shutdown timeout in seconds")

	// Hub
	cmd.Flags().IntVar(&c.Hub.MaxSubscribers, "max-subscribers", c.Hub.MaxSubscribers, "Maximum connected viewers (0 = unlimited)")
	cmd.Flags().IntVar(&c.Hub.SendBuffer, "send-buffer", c.Hub.SendBuffer, "Per-viewer outbound queue length")
	cmd.Flags().IntVar(&c.Hub.WriteTimeout, "write-timeout", c.Hub.WriteTimeout, "Per-message websocket write timeout in seconds")
	cmd.Flags().IntVar(&c.Hub.PingInterval, "ping-interval", c.Hub.PingInterval, "Websocket ping interval in seconds")

	// Relay
	cmd.Flags().StringVar(&c.Relay.Addr, "redis-addr", c.Relay.Addr, "Redis address for cross-instance relay (empty disables)")
	cmd.Flags().StringVar(&c.Relay.Password, "redis-password", c.Relay.Password, "Redis password")
	cmd.Flags().IntVar(&c.Relay.DB, "redis-db", c.Relay.DB, "Redis database")
	cmd.Flags().StringVar(&c.Relay.Channel, "redis-channel", c.Relay.Channel, "Redis pub/sub channel")

	// Logging
	cmd.Flags().BoolVarP(&c.Logging.Instaflush, "instaflush", "i", c.Logging.Instaflush, "Flush logs immediately")
	cmd.Flags().BoolVar(&c.Logging.Syslog, "syslog", c.Logging.Syslog, "Enable syslog output")
	cmd.Flags().StringVar(&c.Logging.ErrorFile, "error-file", c.Logging.ErrorFile, "Also append errors to this file")

	cmd.Flags().IntVar(&c.Metrics.Interval, "stats-interval", c.Metrics.Interval, "Seconds between stats log lines (0 disables)")
}

func (c *Config) ApplyLogLevel(level string) {
	c.Logging.Level = log.ParseLevel(level)
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", c.Server.Port)
	}

	for name, p := range map[string]string{
		"viewer-path": c.Server.ViewerPath,
		"ws-path":     c.Server.SubscribePath,
	} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with '/', got %q", name, p)
		}
	}
	if c.Server.ViewerPath == c.Server.SubscribePath || c.Server.SubscribePath == "/" {
		return fmt.Errorf("ws-path %q collides with the viewer page", c.Server.SubscribePath)
	}

	if c.Server.MaxConns < 0 {
		return fmt.Errorf("max-conns must not be negative")
	}
	if c.Server.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown-timeout must be at least 1 second")
	}

	if c.Hub.MaxSubscribers < 0 {
		return fmt.Errorf("max-subscribers must not be negative")
	}
	if c.Hub.SendBuffer < 1 {
		return fmt.Errorf("send-buffer must be at least 1")
	}
	if c.Hub.WriteTimeout < 1 {
		return fmt.Errorf("write-timeout must be at least 1 second")
	}
	if c.Hub.PingInterval < 1 {
		return fmt.Errorf("ping-interval must be at least 1 second")
	}

	if _, err := ParseNetworks(c.Server.TrustedProxies); err != nil {
		return err
	}

	if c.Relay.Enabled() && c.Relay.Channel == "" {
		return fmt.Errorf("redis-channel must be set when redis-addr is set")
	}
	if c.Metrics.Interval < 0 {
		return fmt.Errorf("stats-interval must not be negative")
	}

	return nil
}

// ParseNetworks turns a list of IPs and CIDRs into a ranger. A bare IP is
// treated as a single-host network. An empty list returns a nil ranger.
func ParseNetworks(entries []string) (cidranger.Ranger, error) {
	var ranger cidranger.Ranger
	for _, raw := range entries {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}

		ipNet, err := parseNetwork(s)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", s, err)
		}
		if ranger == nil {
			ranger = cidranger.NewPCTrieRanger()
		}
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*ipNet)); err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", s, err)
		}
	}
	return ranger, nil
}
