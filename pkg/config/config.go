// Package config loads quotefeed's runtime configuration: a YAML file
// merged with environment overrides and command-line flags, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/atlas-desktop/quotefeed/pkg/types"
)

// Overrides carries command-line flag values. A zero value ("" or 0) means
// "flag not set, keep whatever the file/env produced".
type Overrides struct {
	ConfigPath   string
	Port         int
	DataDir      string
	MetricsPort  int
	AuthPassword string
}

func defaults() types.AppConfig {
	cfg := types.AppConfig{
		Server: types.ServerConfig{
			Port:        6789,
			DataDir:     "./data",
			EnableRDB:   true,
			ReadTimeout: 30 * time.Second,
		},
		Calendar: types.DefaultCalendarConfig(),
		Admin: types.AdminConfig{
			Enabled: true,
			Port:    9090,
		},
		LogLevel: "info",
	}
	return cfg
}

// Load builds an AppConfig from, in increasing precedence: built-in
// defaults, a YAML file (./quotefeed.yaml or /etc/quotefeed/quotefeed.yaml,
// or Overrides.ConfigPath if set), QUOTEFEED_-prefixed environment
// variables, and finally the parsed command-line flags in Overrides.
func Load(o Overrides) (types.AppConfig, error) {
	v := viper.New()

	def := defaults()
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.datadir", def.Server.DataDir)
	v.SetDefault("server.rdb", def.Server.EnableRDB)
	v.SetDefault("server.read_timeout", def.Server.ReadTimeout)
	v.SetDefault("calendar.timezone", def.Calendar.Timezone)
	v.SetDefault("calendar.pre_open", map[string]int{"hour": def.Calendar.PreOpen.Hour, "minute": def.Calendar.PreOpen.Minute})
	v.SetDefault("calendar.open", map[string]int{"hour": def.Calendar.Open.Hour, "minute": def.Calendar.Open.Minute})
	v.SetDefault("calendar.has_break", def.Calendar.HasBreak)
	v.SetDefault("calendar.break_start", map[string]int{"hour": def.Calendar.BreakStart.Hour, "minute": def.Calendar.BreakStart.Minute})
	v.SetDefault("calendar.break_end", map[string]int{"hour": def.Calendar.BreakEnd.Hour, "minute": def.Calendar.BreakEnd.Minute})
	v.SetDefault("calendar.close", map[string]int{"hour": def.Calendar.Close.Hour, "minute": def.Calendar.Close.Minute})
	v.SetDefault("calendar.session_minutes", def.Calendar.SessionMinutes)
	v.SetDefault("admin.enabled", def.Admin.Enabled)
	v.SetDefault("admin.port", def.Admin.Port)
	v.SetDefault("log_level", def.LogLevel)

	// SetConfigFile on an explicit path that does not exist surfaces a raw
	// os.PathError rather than viper's own ConfigFileNotFoundError, so an
	// explicit Overrides.ConfigPath is only wired in once it's known to exist.
	explicitPath := o.ConfigPath != ""
	if explicitPath {
		if _, err := os.Stat(o.ConfigPath); err == nil {
			v.SetConfigFile(o.ConfigPath)
		} else {
			explicitPath = false
		}
	}
	if !explicitPath {
		v.SetConfigName("quotefeed")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/quotefeed")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return types.AppConfig{}, fmt.Errorf("config: %w", err)
		}
	}

	v.SetEnvPrefix("quotefeed")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg types.AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return types.AppConfig{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	// The auth password comes from the file's auth.password key, overridden
	// by QUOTEFEED_AUTH_PASSWORD when set (the AutomaticEnv binding above),
	// and finally by the --auth-password flag below. The struct field itself
	// is excluded from mapstructure binding.
	cfg.Server.AuthPassword = v.GetString("auth.password")

	if o.Port != 0 {
		cfg.Server.Port = o.Port
	}
	if o.DataDir != "" {
		cfg.Server.DataDir = o.DataDir
	}
	if o.MetricsPort != 0 {
		cfg.Admin.Port = o.MetricsPort
	}
	if o.AuthPassword != "" {
		cfg.Server.AuthPassword = o.AuthPassword
	}

	return cfg, nil
}
