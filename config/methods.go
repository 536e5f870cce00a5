package config

import (
	"encoding/json"
	"net"
	"os"
	"strings"

	"github.com/daniellavrushin/reqlog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func (c *Config) SaveToFile(path string) error {
	if path == "" {
		log.Tracef("config path is not defined")
		return nil
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return log.Errorf("failed to marshal config: %v", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return log.Errorf("failed to write config file: %v", err)
	}
	return nil
}

func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		log.Tracef("config path is not defined")
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return log.Errorf("failed to stat config file: %v", err)
	}
	if info.IsDir() {
		return log.Errorf("config path is a directory, not a file: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return log.Errorf("failed to read config file: %v", err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return log.Errorf("failed to parse config file: %v", err)
	}
	return nil
}

// Load layers the config file and the environment over the current values,
// then puts back every flag the user set explicitly so the command line
// always wins.
func (c *Config) Load(cmd *cobra.Command) error {
	restore := captureChangedFlags(cmd.Flags())

	if err := c.LoadFromFile(c.ConfigPath); err != nil {
		return err
	}
	if err := c.LoadEnv(c.EnvFile); err != nil {
		return err
	}

	return restore()
}

func captureChangedFlags(fs *pflag.FlagSet) func() error {
	type saved struct {
		flag  *pflag.Flag
		value string
		slice []string
	}
	var changed []saved

	fs.Visit(func(f *pflag.Flag) {
		s := saved{flag: f, value: f.Value.String()}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			s.slice = append([]string{}, sv.GetSlice()...)
		}
		changed = append(changed, s)
	})

	return func() error {
		for _, s := range changed {
			if sv, ok := s.flag.Value.(pflag.SliceValue); ok {
				if err := sv.Replace(s.slice); err != nil {
					return log.Errorf("failed to restore --%s: %v", s.flag.Name, err)
				}
				continue
			}
			if err := s.flag.Value.Set(s.value); err != nil {
				return log.Errorf("failed to restore --%s: %v", s.flag.Name, err)
			}
		}
		return nil
	}
}

func parseNetwork(s string) (*net.IPNet, error) {
	if strings.Contains(s, "/") {
		_, ipNet, err := net.ParseCIDR(s)
		return ipNet, err
	}

	ip := net.ParseIP(s)
	if ip == nil {
		return nil, &net.ParseError{Type: "IP address", Text: s}
	}
	bits := 128
	if v4 := ip.To4(); v4 != nil {
		ip = v4
		bits = 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}
