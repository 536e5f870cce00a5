package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/daniellavrushin/reqlog/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// LoadEnv reads envFile (if it exists) into the process environment and
// applies the recognised variables. Variables already set in the process
// environment take precedence over the file.
func (c *Config) LoadEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return log.Errorf("failed to load %s: %v", envFile, err)
			}
			log.Tracef("env file %s not found, skipping", envFile)
		}
	}

	port, err := cast.ToIntE(coalesce("PORT", c.Server.Port))
	if err != nil {
		return log.Errorf("invalid PORT: %v", err)
	}
	c.Server.Port = port

	maxSubs, err := cast.ToIntE(coalesce("MAX_SUBSCRIBERS", c.Hub.MaxSubscribers))
	if err != nil {
		return log.Errorf("invalid MAX_SUBSCRIBERS: %v", err)
	}
	c.Hub.MaxSubscribers = maxSubs

	c.Server.Host = cast.ToString(coalesce("HOST", c.Server.Host))
	c.Server.PagePath = cast.ToString(coalesce("VIEWER_PAGE", c.Server.PagePath))

	if raw, ok := os.LookupEnv("TRUSTED_PROXIES"); ok {
		c.Server.TrustedProxies = splitList(raw)
	}

	c.Relay.Addr = cast.ToString(coalesce("REDIS_ADDR", c.Relay.Addr))
	c.Relay.Password = cast.ToString(coalesce("REDIS_PASSWORD", c.Relay.Password))
	c.Relay.Channel = cast.ToString(coalesce("REDIS_CHANNEL", c.Relay.Channel))

	if level, ok := os.LookupEnv("LOG_LEVEL"); ok {
		c.ApplyLogLevel(strings.ToLower(strings.TrimSpace(level)))
	}

	return nil
}

func coalesce(key string, value interface{}) interface{} {
	val, exist := os.LookupEnv(key)
	if exist {
		return val
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
