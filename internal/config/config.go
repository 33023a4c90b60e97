// Package config loads the hint agent configuration from built-in defaults,
// an optional config file, and environment variables, with the environment
// taking precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/framepulse/power-hint-advisor/internal/hints"
)

const (
	configName = "hintagent"
	configType = "yaml"
	envPrefix  = "POWERHINT"

	defaultConfigDir      = "/etc/hintagent"
	defaultPowerSocket    = "/run/powerservice/power.sock"
	defaultFeedSocket     = "/run/hintagent/feed.sock"
	defaultAPIListenAddr  = "127.0.0.1:9977"
	defaultDataDir        = "/var/lib/hintagent"
	defaultLogVerbosity   = 0
	defaultHintsEnabled   = true
	defaultTraceEnabled   = false
	defaultNormalizeValue = true
)

const (
	keyPowerSocket            = "power.socket"
	keyFeedSocket             = "feed.socket"
	keyAPIListen              = "api.listen"
	keyDataDir                = "data.dir"
	keyLogVerbosity           = "log.verbosity"
	keyHintsEnabled           = "hints.enabled"
	keyTraceEnabled           = "trace.enabled"
	keyActualDeviation        = "hints.allowed-actual-deviation"
	keyTargetDeviation        = "hints.allowed-target-deviation"
	keyStaleTimeout           = "hints.stale-timeout"
	keyDefaultTarget          = "hints.default-target"
	keyTargetSafetyMargin     = "hints.target-safety-margin"
	keyUpdateImminentDebounce = "hints.update-imminent-debounce"
	keyNormalizeTarget        = "hints.normalize-target"
)

// Config is the fully resolved agent configuration.
type Config struct {
	PowerSocketPath string
	FeedSocketPath  string
	APIListenAddr   string
	DataDir         string
	LogVerbosity    int
	HintsEnabled    bool
	TraceEnabled    bool
	Hints           hints.Options
}

// Load resolves the configuration. configDir, when non-empty, is searched for
// hintagent.yaml before the default location. A missing config file is fine,
// defaults and environment cover everything.
func Load(configDir string) (Config, error) {
	cfg := viper.New()
	cfg.SetConfigName(configName)
	cfg.SetConfigType(configType)
	if configDir != "" {
		cfg.AddConfigPath(configDir)
	}
	cfg.AddConfigPath(defaultConfigDir)

	cfg.SetEnvPrefix(envPrefix)
	cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	cfg.AutomaticEnv()

	defaults := hints.DefaultOptions()
	cfg.SetDefault(keyPowerSocket, defaultPowerSocket)
	cfg.SetDefault(keyFeedSocket, defaultFeedSocket)
	cfg.SetDefault(keyAPIListen, defaultAPIListenAddr)
	cfg.SetDefault(keyDataDir, defaultDataDir)
	cfg.SetDefault(keyLogVerbosity, defaultLogVerbosity)
	cfg.SetDefault(keyHintsEnabled, defaultHintsEnabled)
	cfg.SetDefault(keyTraceEnabled, defaultTraceEnabled)
	cfg.SetDefault(keyActualDeviation, defaults.AllowedActualDeviation)
	cfg.SetDefault(keyTargetDeviation, defaults.AllowedTargetDeviation)
	cfg.SetDefault(keyStaleTimeout, defaults.StaleTimeout)
	cfg.SetDefault(keyDefaultTarget, defaults.DefaultTarget)
	cfg.SetDefault(keyTargetSafetyMargin, defaults.TargetSafetyMargin)
	cfg.SetDefault(keyUpdateImminentDebounce, defaults.DisplayUpdateImminentDebounce)
	cfg.SetDefault(keyNormalizeTarget, defaultNormalizeValue)

	if err := cfg.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	loaded := Config{
		PowerSocketPath: cfg.GetString(keyPowerSocket),
		FeedSocketPath:  cfg.GetString(keyFeedSocket),
		APIListenAddr:   cfg.GetString(keyAPIListen),
		DataDir:         cfg.GetString(keyDataDir),
		LogVerbosity:    cfg.GetInt(keyLogVerbosity),
		HintsEnabled:    cfg.GetBool(keyHintsEnabled),
		TraceEnabled:    cfg.GetBool(keyTraceEnabled),
		Hints: hints.Options{
			AllowedActualDeviation:        cfg.GetFloat64(keyActualDeviation),
			AllowedTargetDeviation:        cfg.GetFloat64(keyTargetDeviation),
			StaleTimeout:                  cfg.GetDuration(keyStaleTimeout),
			DefaultTarget:                 cfg.GetDuration(keyDefaultTarget),
			TargetSafetyMargin:            cfg.GetDuration(keyTargetSafetyMargin),
			DisplayUpdateImminentDebounce: cfg.GetDuration(keyUpdateImminentDebounce),
			NormalizeTarget:               cfg.GetBool(keyNormalizeTarget),
			TraceSessionData:              cfg.GetBool(keyTraceEnabled),
		},
	}

	if err := loaded.validate(); err != nil {
		return Config{}, err
	}

	return loaded, nil
}

func (c Config) validate() error {
	if c.PowerSocketPath == "" {
		return errors.New("power service socket path must not be empty")
	}
	if c.FeedSocketPath == "" {
		return errors.New("feed socket path must not be empty")
	}
	if c.APIListenAddr == "" {
		return errors.New("api listen address must not be empty")
	}
	if c.DataDir == "" && c.TraceEnabled {
		return errors.New("data dir must not be empty when tracing is enabled")
	}
	if c.Hints.AllowedActualDeviation < 0 || c.Hints.AllowedTargetDeviation < 0 {
		return errors.New("allowed deviations must not be negative")
	}
	return nil
}
