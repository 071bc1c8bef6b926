package config

import (
	"fmt"
	"strings"

	"github.com/Cogwheel-Validator/spectra-searcher/searcher/codec"
	"github.com/Cogwheel-Validator/spectra-searcher/searcher/router"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. SEARCHER_CHAIN_ID.
const EnvPrefix = "SEARCHER"

// LoadSearcherConfig loads the searcher config from the given path, or from the environment
// when configPath is nil.
func LoadSearcherConfig(configPath *string) (*SearcherConfig, error) {
	v := viper.New()
	setDefaults(v)

	if configPath == nil {
		// if no file expect envs
		config, err := loadEnv(v)
		if err != nil {
			return nil, fmt.Errorf("failed to load env config: %w", err)
		}
		return config, nil
	}

	config, err := loadFile(v, *configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load file config: %w", err)
	}
	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8545)
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("min_profit", 500)
	v.SetDefault("max_profit", 1000)
	v.SetDefault("max_profit_policy", "retain_and_stop")
	v.SetDefault("simulation_concurrency", 16)
	v.SetDefault("simulation_timeout", "250ms")
	v.SetDefault("simulation_gas_limit", 30_000_000)
	v.SetDefault("max_route_candidates", 200_000)
	v.SetDefault("output_network", "udp")
	v.SetDefault("forward_queue", 64)
}

func loadEnv(v *viper.Viper) (*SearcherConfig, error) {
	// godot might fail if .env file is missing but
	// env can be applied through docker, systmed or other means, so skip error
	_ = godotenv.Load()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	var config SearcherConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal env config: %w", err)
	}
	if err := verifyConfig(&config); err != nil {
		return nil, fmt.Errorf("failed to verify config: %w", err)
	}
	return &config, nil
}

// bindEnvKeys binds each config key to its env var so Unmarshal sees env values
// when no config file is loaded (env-only mode).
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"port", "host", "allowed_origins",
		"rate_per_minute", "max_concurrent_requests",
		"service_name", "service_version", "environment",
		"enable_tracing", "use_otlp_traces", "otlp_traces_url",
		"enable_metrics", "use_prometheus", "use_otlp_metrics", "otlp_metrics_url",
		"enable_logs", "use_otlp_logs", "otlp_logs_url",
		"insecure_otlp", "development_mode",
		"chain_id", "database_url", "node_url", "bytecode",
		"min_profit", "max_profit", "max_profit_policy",
		"simulation_concurrency", "simulation_timeout", "simulation_gas_limit", "max_route_candidates",
		"output_network", "output_address", "forward_queue", "universe_seed",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}

func loadFile(v *viper.Viper, configPath string) (*SearcherConfig, error) {
	if !strings.HasSuffix(configPath, ".toml") {
		return nil, fmt.Errorf("config file must be a toml file")
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config SearcherConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := verifyConfig(&config); err != nil {
		return nil, fmt.Errorf("failed to verify config: %w", err)
	}

	return &config, nil
}

func verifyConfig(config *SearcherConfig) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	if config.Host == "" {
		return fmt.Errorf("host is required")
	}

	if len(config.AllowedOrigins) == 0 {
		return fmt.Errorf("allowed_origins is required")
	}

	if config.ChainID == 0 {
		return fmt.Errorf("chain_id is required")
	}

	if config.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}

	if config.NodeURL == "" {
		return fmt.Errorf("node_url is required")
	}

	if config.Bytecode != "" {
		if _, err := codec.ParseBytecode(config.Bytecode); err != nil {
			return fmt.Errorf("bytecode: %w", err)
		}
	}

	if config.MinProfit > config.MaxProfit {
		return fmt.Errorf("min_profit (%d) must not exceed max_profit (%d)", config.MinProfit, config.MaxProfit)
	}

	if _, err := router.ParseMaxProfitPolicy(config.MaxProfitPolicy); err != nil {
		return err
	}

	if config.SimulationConcurrency <= 0 {
		return fmt.Errorf("simulation_concurrency must be positive")
	}

	if config.SimulationTimeout <= 0 {
		return fmt.Errorf("simulation_timeout must be positive")
	}

	if config.SimulationGasLimit == 0 {
		return fmt.Errorf("simulation_gas_limit must be positive")
	}

	if config.MaxRouteCandidates <= 0 {
		return fmt.Errorf("max_route_candidates must be positive")
	}

	if config.ForwardQueue <= 0 {
		return fmt.Errorf("forward_queue must be positive")
	}

	switch config.OutputNetwork {
	case "udp", "udp4", "udp6", "unixgram":
	default:
		return fmt.Errorf("output_network must be udp or unixgram, got %q", config.OutputNetwork)
	}

	if config.OutputAddress == "" {
		return fmt.Errorf("output_address is required")
	}

	return nil
}
