// Package config provides a reusable loader for gateway configuration files
// and environment variables.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/loa-finn/gatewaycore/pkg/utils"
)

// Config is the unified configuration for one gateway core instance. It
// mirrors the YAML files under cmd/config.
type Config struct {
	Server struct {
		ListenAddr      string  `mapstructure:"listen_addr" json:"listen_addr"`
		BillingIngress  bool    `mapstructure:"billing_ingress" json:"billing_ingress"`
		ShutdownGraceMS int     `mapstructure:"shutdown_grace_ms" json:"shutdown_grace_ms"`
		IngressRPS      float64 `mapstructure:"ingress_rps" json:"ingress_rps"`
		IngressBurst    int     `mapstructure:"ingress_burst" json:"ingress_burst"`
	} `mapstructure:"server" json:"server"`

	RateLimits map[string]struct {
		RPM           int `mapstructure:"rpm" json:"rpm"`
		TPM           int `mapstructure:"tpm" json:"tpm"`
		QueueTimeoutMS int `mapstructure:"queue_timeout_ms" json:"queue_timeout_ms"`
	} `mapstructure:"rate_limits" json:"rate_limits"`

	CircuitBreaker struct {
		FailureThreshold  int `mapstructure:"failure_threshold" json:"failure_threshold"`
		CooldownMS        int `mapstructure:"cooldown_ms" json:"cooldown_ms"`
		MaxCooldownMS     int `mapstructure:"max_cooldown_ms" json:"max_cooldown_ms"`
		ProbeIntervalMS   int `mapstructure:"probe_interval_ms" json:"probe_interval_ms"`
		ProbeTimeoutMS    int `mapstructure:"probe_timeout_ms" json:"probe_timeout_ms"`
	} `mapstructure:"circuit_breaker" json:"circuit_breaker"`

	Budget struct {
		WarnPercent     float64 `mapstructure:"warn_percent" json:"warn_percent"`
		LedgerPath      string  `mapstructure:"ledger_path" json:"ledger_path"`
		CheckpointPath  string  `mapstructure:"checkpoint_path" json:"checkpoint_path"`
		FailOpenOnWrite bool    `mapstructure:"fail_open_on_write" json:"fail_open_on_write"`
	} `mapstructure:"budget" json:"budget"`

	Guard struct {
		BypassEnvVar       string `mapstructure:"bypass_env_var" json:"bypass_env_var"`
		CompileRetries     int    `mapstructure:"compile_retries" json:"compile_retries"`
		RecoveryIntervalMS int    `mapstructure:"recovery_interval_ms" json:"recovery_interval_ms"`
		AuditWALPath       string `mapstructure:"audit_wal_path" json:"audit_wal_path"`
	} `mapstructure:"guard" json:"guard"`

	ToolLoop struct {
		MaxIterations              int `mapstructure:"max_iterations" json:"max_iterations"`
		AbortOnConsecutiveFailures int `mapstructure:"abort_on_consecutive_failures" json:"abort_on_consecutive_failures"`
	} `mapstructure:"tool_loop" json:"tool_loop"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up GATEWAY_* overrides

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the GATEWAY_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault(utils.PrefixedEnvKey("ENV"), ""))
}
