package config

import "github.com/daniellavrushin/reqlog/log"

type Config struct {
	ConfigPath string `json:"-"`
	EnvFile    string `json:"-"`

	Server  ServerConfig  `json:"server"`
	Hub     HubConfig     `json:"hub"`
	Relay   RelayConfig   `json:"relay"`
	Logging Logging       `json:"logging"`
	Metrics MetricsConfig `json:"metrics"`
}

type ServerConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	PagePath        string   `json:"page_path"`      // viewer page file, read on every request
	ViewerPath      string   `json:"viewer_path"`    // canonical viewer URL path, served alongside "/"
	SubscribePath   string   `json:"subscribe_path"` // websocket endpoint
	TrustedProxies  []string `json:"trusted_proxies"`
	MaxConns        int      `json:"max_conns"`        // 0 = unlimited
	ShutdownTimeout int      `json:"shutdown_timeout"` // seconds
}

type HubConfig struct {
	MaxSubscribers int `json:"max_subscribers"` // 0 = unlimited
	SendBuffer     int `json:"send_buffer"`
	WriteTimeout   int `json:"write_timeout"` // seconds
	PingInterval   int `json:"ping_interval"` // seconds
}

type RelayConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
}

type Logging struct {
	Level      log.Level `json:"level"`
	Instaflush bool      `json:"instaflush"`
	Syslog     bool      `json:"syslog"`
	ErrorFile  string    `json:"error_file"`
}

type MetricsConfig struct {
	Interval int `json:"interval"` // seconds between stats lines, 0 disables
}

func (r RelayConfig) Enabled() bool { return r.Addr != "" }
