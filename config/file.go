package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileOverrides mirrors the subset of Settings that may be set from a YAML file.
// Environment variables always win over file values.
type fileOverrides struct {
	Symbols         []string `yaml:"symbols"`
	Channels        []string `yaml:"channels"`
	TotalSymbols    int      `yaml:"total_symbols"`
	StartingSymbol  string   `yaml:"starting_symbol"`
	Shards          int      `yaml:"shards"`
	DepthTopSymbols int      `yaml:"depth_top_symbols"`
}

// Load builds the effective Settings: defaults, then the optional YAML file named
// by COLLECTOR_CONFIG_FILE, then environment variables.
func Load() (Settings, error) {
	cfg := Default()

	path := strings.TrimSpace(os.Getenv("COLLECTOR_CONFIG_FILE"))
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Settings{}, err
		}
	}

	env := FromEnv()
	mergeEnv(&cfg, env)
	return cfg, nil
}

func applyFile(cfg *Settings, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var over fileOverrides
	if err := yaml.Unmarshal(raw, &over); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if len(over.Symbols) > 0 {
		cfg.Symbols = normalizeList(over.Symbols)
	}
	if len(over.Channels) > 0 {
		cfg.Channels = normalizeList(over.Channels)
	}
	if over.TotalSymbols > 0 {
		cfg.TotalSymbols = over.TotalSymbols
	}
	if s := strings.TrimSpace(over.StartingSymbol); s != "" {
		cfg.StartingSymbol = strings.ToUpper(s)
	}
	if over.Shards > 0 {
		cfg.Shards = over.Shards
	}
	if over.DepthTopSymbols > 0 {
		cfg.DepthTopSymbols = over.DepthTopSymbols
	}
	return nil
}

// mergeEnv overlays env-derived settings onto cfg wherever env differs from defaults.
func mergeEnv(cfg *Settings, env Settings) {
	def := Default()

	if env.DatabaseURL != def.DatabaseURL {
		cfg.DatabaseURL = env.DatabaseURL
	}
	if env.WSBaseURL != def.WSBaseURL {
		cfg.WSBaseURL = env.WSBaseURL
	}
	if env.RESTBaseURL != def.RESTBaseURL {
		cfg.RESTBaseURL = env.RESTBaseURL
	}
	if !equalList(env.Symbols, def.Symbols) {
		cfg.Symbols = env.Symbols
	}
	if env.TotalSymbols != def.TotalSymbols {
		cfg.TotalSymbols = env.TotalSymbols
	}
	if env.StartingSymbol != def.StartingSymbol {
		cfg.StartingSymbol = env.StartingSymbol
	}
	if !equalList(env.Channels, def.Channels) {
		cfg.Channels = env.Channels
	}
	if env.Shards != def.Shards {
		cfg.Shards = env.Shards
	}
	if env.EnableDepth != def.EnableDepth {
		cfg.EnableDepth = env.EnableDepth
	}
	if env.DepthTopSymbols != def.DepthTopSymbols {
		cfg.DepthTopSymbols = env.DepthTopSymbols
	}
	if env.EnableMarkPrice != def.EnableMarkPrice {
		cfg.EnableMarkPrice = env.EnableMarkPrice
	}
	if env.EnableForceOrder != def.EnableForceOrder {
		cfg.EnableForceOrder = env.EnableForceOrder
	}
	if env.BatchSize != def.BatchSize {
		cfg.BatchSize = env.BatchSize
	}
	if env.FlushInterval != def.FlushInterval {
		cfg.FlushInterval = env.FlushInterval
	}
	if env.DryRun != def.DryRun {
		cfg.DryRun = env.DryRun
	}
	if env.DBSSLMode != def.DBSSLMode {
		cfg.DBSSLMode = env.DBSSLMode
	}
	if env.DBSSLRootCert != def.DBSSLRootCert {
		cfg.DBSSLRootCert = env.DBSSLRootCert
	}
	if env.EnableDBWatchdog != def.EnableDBWatchdog {
		cfg.EnableDBWatchdog = env.EnableDBWatchdog
	}
	if env.DBWatchdogInterval != def.DBWatchdogInterval {
		cfg.DBWatchdogInterval = env.DBWatchdogInterval
	}
	if env.DBWatchdogThreshold != def.DBWatchdogThreshold {
		cfg.DBWatchdogThreshold = env.DBWatchdogThreshold
	}
	if env.MonitorAddr != def.MonitorAddr {
		cfg.MonitorAddr = env.MonitorAddr
	}
	if env.OTLPEndpoint != def.OTLPEndpoint {
		cfg.OTLPEndpoint = env.OTLPEndpoint
	}
	if env.Debug != def.Debug {
		cfg.Debug = env.Debug
	}
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

func equalList(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
