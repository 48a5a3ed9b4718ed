package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration of a market-data session
type Config struct {
	Feed       FeedConfig       `yaml:"feed"`
	Connection ConnectionConfig `yaml:"connection"`
	REST       RESTConfig       `yaml:"rest"`
	Chart      ChartConfig      `yaml:"chart"`
	Trades     TradesConfig     `yaml:"trades"`
	Mock       MockConfig       `yaml:"mock"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// FeedConfig selects the products to track and the origin relative
// endpoints are resolved against
type FeedConfig struct {
	Origin   string   `yaml:"origin"`
	Products []string `yaml:"products"`
}

// ConnectionConfig holds streaming connection and reconnect parameters
type ConnectionConfig struct {
	URL              string        `yaml:"url"`
	MaxRetries       int           `yaml:"max_retries"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	Multiplier       float64       `yaml:"multiplier"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	Probe            bool          `yaml:"probe"`
	StreamBuffer     int           `yaml:"stream_buffer"`
}

// RESTConfig holds REST endpoint parameters
type RESTConfig struct {
	URL               string        `yaml:"url"`
	Token             string        `yaml:"token"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Retries           int           `yaml:"retries"`
	BookLevel         int           `yaml:"book_level"`
}

// ChartConfig holds candle fetch and polling parameters
type ChartConfig struct {
	Granularity  int           `yaml:"granularity"`
	Limit        int           `yaml:"limit"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MAPeriods    []int         `yaml:"ma_periods"`
}

// TradesConfig bounds the trade history per product
type TradesConfig struct {
	Limit int `yaml:"limit"`
}

// MockConfig drives the synthetic feed used when the backend is unreachable
type MockConfig struct {
	Force          bool               `yaml:"force"`
	BasePrices     map[string]float64 `yaml:"base_prices"`
	Volatility     float64            `yaml:"volatility"`
	TickerInterval time.Duration      `yaml:"ticker_interval"`
	BookInterval   time.Duration      `yaml:"book_interval"`
	MatchInterval  time.Duration      `yaml:"match_interval"`
}

// ServerConfig holds listener ports of the daemon
type ServerConfig struct {
	GRPCPort int `yaml:"grpc_port"`
	HTTPPort int `yaml:"http_port"`
}

// LoggingConfig mirrors logger.Options
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// ValidGranularities are the candle bucket sizes the backend serves
var ValidGranularities = []int{60, 300, 900, 3600, 86400}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Feed: FeedConfig{
			Origin:   "http://localhost:8080",
			Products: []string{"BTC-USD"},
		},
		Connection: ConnectionConfig{
			URL:              "/ws",
			MaxRetries:       5,
			BaseDelay:        5 * time.Second,
			Multiplier:       2,
			HandshakeTimeout: 10 * time.Second,
			Probe:            true,
			StreamBuffer:     256,
		},
		REST: RESTConfig{
			URL:               "/api",
			Timeout:           10 * time.Second,
			RequestsPerSecond: 10,
			Burst:             5,
			Retries:           1,
			BookLevel:         2,
		},
		Chart: ChartConfig{
			Granularity:  3600,
			Limit:        200,
			PollInterval: 10 * time.Second,
			MAPeriods:    []int{5, 10, 20, 30},
		},
		Trades: TradesConfig{Limit: 50},
		Mock: MockConfig{
			BasePrices: map[string]float64{
				"BTC":     50000,
				"ETH":     3000,
				"LTC":     200,
				"ETH-BTC": 0.06,
			},
			Volatility:     0.001,
			TickerInterval: time.Second,
			BookInterval:   2 * time.Second,
			MatchInterval:  3 * time.Second,
		},
		Server: ServerConfig{
			GRPCPort: 50051,
			HTTPPort: 8081,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MARKETFEED_ORIGIN"); v != "" {
		cfg.Feed.Origin = strings.TrimSpace(v)
	}
	if v := os.Getenv("MARKETFEED_WS_URL"); v != "" {
		cfg.Connection.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("MARKETFEED_API_URL"); v != "" {
		cfg.REST.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("MARKETFEED_API_TOKEN"); v != "" {
		cfg.REST.Token = strings.TrimSpace(v)
	}
}

// Validate checks the invariants the session relies on
func Validate(cfg *Config) error {
	if len(cfg.Feed.Products) == 0 {
		return fmt.Errorf("feed.products must not be empty")
	}
	for _, p := range cfg.Feed.Products {
		if strings.TrimSpace(p) == "" || strings.Contains(p, ":") {
			return fmt.Errorf("feed.products contains invalid product %q", p)
		}
	}
	if cfg.Connection.URL == "" {
		return fmt.Errorf("connection.url is required")
	}
	if cfg.Connection.MaxRetries < 0 {
		return fmt.Errorf("connection.max_retries must not be negative")
	}
	if cfg.Connection.BaseDelay <= 0 {
		return fmt.Errorf("connection.base_delay must be greater than 0")
	}
	if cfg.Connection.Multiplier < 1 {
		return fmt.Errorf("connection.multiplier must be at least 1")
	}
	if cfg.Connection.StreamBuffer <= 0 {
		return fmt.Errorf("connection.stream_buffer must be greater than 0")
	}
	if cfg.REST.URL == "" {
		return fmt.Errorf("rest.url is required")
	}
	if cfg.REST.RequestsPerSecond <= 0 || cfg.REST.Burst <= 0 {
		return fmt.Errorf("rest.requests_per_second and rest.burst must be greater than 0")
	}
	if !IsValidGranularity(cfg.Chart.Granularity) {
		return fmt.Errorf("chart.granularity %d is not one of %v", cfg.Chart.Granularity, ValidGranularities)
	}
	if cfg.Chart.Limit <= 0 {
		return fmt.Errorf("chart.limit must be greater than 0")
	}
	if cfg.Chart.PollInterval <= 0 {
		return fmt.Errorf("chart.poll_interval must be greater than 0")
	}
	for _, p := range cfg.Chart.MAPeriods {
		if p <= 0 {
			return fmt.Errorf("chart.ma_periods must be positive, got %d", p)
		}
	}
	if cfg.Trades.Limit <= 0 {
		return fmt.Errorf("trades.limit must be greater than 0")
	}
	return nil
}

// IsValidGranularity reports whether g is a supported candle bucket size
func IsValidGranularity(g int) bool {
	for _, v := range ValidGranularities {
		if v == g {
			return true
		}
	}
	return false
}

// FeedFlags holds command line flags for the feed daemon
type FeedFlags struct {
	ConfigPath string
	Products   string
	GRPCPort   int
	HTTPPort   int
	ForceMock  bool
	Render     time.Duration
}

// ParseFeedFlags parses command line flags for the feed daemon
func ParseFeedFlags(args []string) (*FeedFlags, error) {
	fs := flag.NewFlagSet("feed", flag.ContinueOnError)
	f := &FeedFlags{}
	fs.StringVar(&f.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&f.Products, "products", "", "Comma-separated products, overrides config")
	fs.IntVar(&f.GRPCPort, "grpc-port", 0, "gRPC health port, overrides config")
	fs.IntVar(&f.HTTPPort, "http-port", 0, "HTTP API port, overrides config")
	fs.BoolVar(&f.ForceMock, "mock", false, "Skip the backend and use synthetic data")
	fs.DurationVar(&f.Render, "render", 30*time.Second, "Status table interval, 0 disables")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// Apply overlays non-zero flags onto cfg
func (f *FeedFlags) Apply(cfg *Config) {
	if f.Products != "" {
		var products []string
		for _, p := range strings.Split(f.Products, ",") {
			if p = strings.TrimSpace(p); p != "" {
				products = append(products, p)
			}
		}
		cfg.Feed.Products = products
	}
	if f.GRPCPort != 0 {
		cfg.Server.GRPCPort = f.GRPCPort
	}
	if f.HTTPPort != 0 {
		cfg.Server.HTTPPort = f.HTTPPort
	}
	if f.ForceMock {
		cfg.Mock.Force = true
	}
}

// ClientConfig holds configuration for the status client
type ClientConfig struct {
	ServerAddress string
	Service       string
	Duration      time.Duration
}

// ParseClientFlags parses command line flags for the status client
func ParseClientFlags(args []string) (*ClientConfig, error) {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	c := &ClientConfig{}
	fs.StringVar(&c.ServerAddress, "server", "localhost:50051", "Feed daemon gRPC address")
	fs.StringVar(&c.Service, "service", "marketfeed", "Health service name to watch")
	fs.DurationVar(&c.Duration, "duration", 0, "How long to watch, 0 runs until interrupted")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return c, nil
}
