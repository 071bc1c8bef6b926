package config

import "time"

type SearcherConfig struct {
	// rpc configs
	Port int    `mapstructure:"port" toml:"port"`
	Host string `mapstructure:"host" toml:"host"`

	// CORS configs
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`

	// rate limiting configs
	RatePerMinute         int `mapstructure:"rate_per_minute" toml:"rate_per_minute"`
	MaxConcurrentRequests int `mapstructure:"max_concurrent_requests" toml:"max_concurrent_requests"`

	// OpenTelemetry configs
	ServiceName    string `mapstructure:"service_name" toml:"service_name"`
	ServiceVersion string `mapstructure:"service_version" toml:"service_version"`
	Environment    string `mapstructure:"environment" toml:"environment"` // PROD, DEV, TEST, LOCAL
	EnableTracing  bool   `mapstructure:"enable_tracing" toml:"enable_tracing"`
	UseOTLPTraces  bool   `mapstructure:"use_otlp_traces" toml:"use_otlp_traces"`
	OTLPTracesURL  string `mapstructure:"otlp_traces_url" toml:"otlp_traces_url"`
	EnableMetrics  bool   `mapstructure:"enable_metrics" toml:"enable_metrics"`
	UsePrometheus  bool   `mapstructure:"use_prometheus" toml:"use_prometheus"`
	UseOTLPMetrics bool   `mapstructure:"use_otlp_metrics" toml:"use_otlp_metrics"`
	OTLPMetricsURL string `mapstructure:"otlp_metrics_url" toml:"otlp_metrics_url"`
	EnableLogs     bool   `mapstructure:"enable_logs" toml:"enable_logs"`
	UseOTLPLogs    bool   `mapstructure:"use_otlp_logs" toml:"use_otlp_logs"`
	OTLPLogsURL    string `mapstructure:"otlp_logs_url" toml:"otlp_logs_url"`

	InsecureOTLP bool `mapstructure:"insecure_otlp" toml:"insecure_otlp"`

	// Development mode uses stdout exporters
	DevelopmentMode bool `mapstructure:"development_mode" toml:"development_mode"`

	// chain and collaborators
	ChainID     uint64 `mapstructure:"chain_id" toml:"chain_id"`
	DatabaseURL string `mapstructure:"database_url" toml:"database_url"` // postgres://... or sqlite://...
	NodeURL     string `mapstructure:"node_url" toml:"node_url"`         // ws:// or IPC path

	// searcher contract, hex encoded; empty keeps whatever the store holds
	Bytecode string `mapstructure:"bytecode" toml:"bytecode"`

	// profit thresholds in parts per million of notional
	MinProfit       uint64 `mapstructure:"min_profit" toml:"min_profit"`
	MaxProfit       uint64 `mapstructure:"max_profit" toml:"max_profit"`
	MaxProfitPolicy string `mapstructure:"max_profit_policy" toml:"max_profit_policy"` // retain_and_stop, cap

	// evaluation
	SimulationConcurrency int           `mapstructure:"simulation_concurrency" toml:"simulation_concurrency"`
	SimulationTimeout     time.Duration `mapstructure:"simulation_timeout" toml:"simulation_timeout"`
	SimulationGasLimit    uint64        `mapstructure:"simulation_gas_limit" toml:"simulation_gas_limit"`
	MaxRouteCandidates    int           `mapstructure:"max_route_candidates" toml:"max_route_candidates"`

	// output transport
	OutputNetwork string `mapstructure:"output_network" toml:"output_network"` // udp, unixgram
	OutputAddress string `mapstructure:"output_address" toml:"output_address"`
	ForwardQueue  int    `mapstructure:"forward_queue" toml:"forward_queue"` // batches waiting for the transport

	// optional universe seed file, upserted at startup
	UniverseSeed string `mapstructure:"universe_seed" toml:"universe_seed"`
}
