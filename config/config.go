// Package config centralises runtime configuration for the collector.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/depthcast/collector/errs"
)

// Exchange identifies the upstream venue the collector ingests from.
const Exchange = "binance-futures"

// DefaultSymbols lists the top-volume USDT perpetuals collected when SYMBOLS is unset.
var DefaultSymbols = []string{
	"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT",
	"DOGEUSDT", "ADAUSDT", "TRXUSDT", "AVAXUSDT", "LINKUSDT",
	"DOTUSDT", "TONUSDT", "MATICUSDT", "LTCUSDT", "NEARUSDT",
	"UNIUSDT", "ATOMUSDT", "XLMUSDT", "FILUSDT", "ETCUSDT",
}

// DefaultChannels lists the primary stream channels subscribed per symbol.
var DefaultChannels = []string{"bookTicker", "aggTrade"}

// Settings contains the collector configuration tree loaded from defaults and overrides.
type Settings struct {
	DatabaseURL string

	WSBaseURL   string
	RESTBaseURL string

	Symbols        []string
	TotalSymbols   int
	StartingSymbol string
	Channels       []string

	Shards          int
	EnableDepth     bool
	DepthTopSymbols int

	EnableMarkPrice  bool
	EnableForceOrder bool

	BatchSize     int
	FlushInterval time.Duration
	DryRun        bool

	DBSSLMode     string
	DBSSLRootCert string

	EnableDBWatchdog    bool
	DBWatchdogInterval  time.Duration
	DBWatchdogThreshold time.Duration

	MonitorAddr string

	OTLPEndpoint string
	Debug        bool
}

// Default returns the default collector configuration.
func Default() Settings {
	return Settings{
		DatabaseURL:         "",
		WSBaseURL:           "wss://fstream.binance.com",
		RESTBaseURL:         "https://fapi.binance.com",
		Symbols:             append([]string(nil), DefaultSymbols...),
		TotalSymbols:        0,
		StartingSymbol:      "",
		Channels:            append([]string(nil), DefaultChannels...),
		Shards:              5,
		EnableDepth:         true,
		DepthTopSymbols:     15,
		EnableMarkPrice:     true,
		EnableForceOrder:    true,
		BatchSize:           0,
		FlushInterval:       0,
		DryRun:              false,
		DBSSLMode:           "require",
		DBSSLRootCert:       "",
		EnableDBWatchdog:    true,
		DBWatchdogInterval:  60 * time.Second,
		DBWatchdogThreshold: 120 * time.Second,
		MonitorAddr:         ":8000",
		OTLPEndpoint:        "",
		Debug:               false,
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()

	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("BINANCE_WS_URL")); v != "" {
		cfg.WSBaseURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv("BINANCE_BASE_URL")); v != "" {
		cfg.RESTBaseURL = strings.TrimRight(v, "/")
	}
	if list := envList("SYMBOLS"); len(list) > 0 {
		cfg.Symbols = list
	}
	if n, ok := envInt("TOTAL_SYMBOLS"); ok && n > 0 {
		cfg.TotalSymbols = n
	}
	if v := strings.TrimSpace(os.Getenv("STARTING_SYMBOL")); v != "" {
		cfg.StartingSymbol = strings.ToUpper(v)
	}
	if list := envList("CHANNELS"); len(list) > 0 {
		cfg.Channels = list
	}
	if n, ok := envInt("SHARDS"); ok && n > 0 {
		cfg.Shards = n
	}
	if b, ok := envBool("ENABLE_DEPTH"); ok {
		cfg.EnableDepth = b
	}
	if n, ok := envInt("DEPTH_TOP_SYMBOLS"); ok && n > 0 {
		cfg.DepthTopSymbols = n
	}
	if b, ok := envBool("ENABLE_MARK_PRICE"); ok {
		cfg.EnableMarkPrice = b
	}
	if b, ok := envBool("ENABLE_FORCE_ORDER"); ok {
		cfg.EnableForceOrder = b
	}
	if n, ok := envInt("BATCH_SIZE"); ok && n > 0 {
		cfg.BatchSize = n
	}
	if v := strings.TrimSpace(os.Getenv("FLUSH_INTERVAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			cfg.FlushInterval = dur
		} else if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.FlushInterval = time.Duration(secs) * time.Second
		}
	}
	if b, ok := envBool("DRY_RUN"); ok {
		cfg.DryRun = b
	}
	if v := strings.TrimSpace(os.Getenv("DB_SSLMODE")); v != "" {
		cfg.DBSSLMode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("DB_SSLROOTCERT")); v != "" {
		cfg.DBSSLRootCert = v
	}
	if b, ok := envBool("ENABLE_DB_WATCHDOG"); ok {
		cfg.EnableDBWatchdog = b
	}
	if dur, ok := envSeconds("DB_WATCHDOG_INTERVAL"); ok {
		cfg.DBWatchdogInterval = dur
	}
	if dur, ok := envSeconds("DB_WATCHDOG_THRESHOLD"); ok {
		cfg.DBWatchdogThreshold = dur
	}
	if v := strings.TrimSpace(os.Getenv("MONITORING_ADDR")); v != "" {
		cfg.MonitorAddr = v
	} else if n, ok := envInt("MONITORING_PORT"); ok && n > 0 {
		cfg.MonitorAddr = ":" + strconv.Itoa(n)
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.OTLPEndpoint = v
	}
	if b, ok := envBool("DEBUG"); ok {
		cfg.Debug = b
	}

	return cfg
}

// Validate reports configuration errors that are fatal at startup.
func (s Settings) Validate() error {
	if !s.DryRun && strings.TrimSpace(s.DatabaseURL) == "" {
		return errs.New("config", errs.KindConfig, errs.WithMessage("DATABASE_URL is required"))
	}
	if len(s.Symbols) == 0 {
		return errs.New("config", errs.KindConfig, errs.WithMessage("symbol universe is empty"))
	}
	if len(s.Channels) == 0 {
		return errs.New("config", errs.KindConfig, errs.WithMessage("channel set is empty"))
	}
	if s.Shards <= 0 {
		return errs.New("config", errs.KindConfig, errs.WithMessage("shard count must be positive"))
	}
	switch s.DBSSLMode {
	case "", "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return errs.New("config", errs.KindConfig, errs.WithMessage("unrecognized DB_SSLMODE "+strconv.Quote(s.DBSSLMode)))
	}
	return nil
}

func envList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return false, false
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// envSeconds parses a duration value expressed either as a Go duration or a bare second count.
func envSeconds(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
		return dur, true
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}
