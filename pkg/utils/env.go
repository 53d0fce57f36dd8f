package utils

import (
	"os"
	"strconv"
	"sync"
)

// GatewayEnvPrefix namespaces every environment variable the gateway core
// reads so a shared host can't collide with unrelated services; viper's
// AutomaticEnv binding in pkg/config relies on the same prefix.
const GatewayEnvPrefix = "GATEWAY_"

// PrefixedEnvKey returns name namespaced under GatewayEnvPrefix, e.g.
// PrefixedEnvKey("ENV") == "GATEWAY_ENV".
func PrefixedEnvKey(name string) string {
	return GatewayEnvPrefix + name
}

// envCache stores previously fetched non-empty environment variable values so
// repeat lookups of a key that doesn't change within a process lifetime (the
// common case for GATEWAY_* settings, read once at startup) avoid the
// relatively expensive syscall interaction.
var envCache sync.Map // map[string]string

// getEnv retrieves the value for key from the cache or the environment.
// Only non-empty values are cached.
func getEnv(key string) (string, bool) {
	if v, ok := envCache.Load(key); ok {
		return v.(string), true
	}
	if v := os.Getenv(key); v != "" {
		envCache.Store(key, v)
		return v, true
	}
	return "", false
}

// clearEnvCache removes any cached value for key. It is primarily used in
// tests where environment variables are modified between calls.
func clearEnvCache(key string) {
	envCache.Delete(key)
}

// EnvOrDefault returns the value of the environment variable identified by key
// or the provided fallback if the variable is unset or empty.
func EnvOrDefault(key, fallback string) string {
	if v, ok := getEnv(key); ok {
		return v
	}
	return fallback
}

// EnvOrDefaultInt returns the integer value of the environment variable
// identified by key or the provided fallback if the variable is unset,
// empty, or cannot be parsed as an integer. Numeric settings are read
// uncached since config reload paths (pkg/config.Load) may be exercised
// more than once per process with differing values, unlike the string
// lookups above which back mostly-static settings like GATEWAY_ENV.
func EnvOrDefaultInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// EnvOrDefaultUint64 returns the uint64 value of the environment variable
// identified by key or the provided fallback if the variable is unset,
// empty, or cannot be parsed as a uint64.
func EnvOrDefaultUint64(key string, fallback uint64) uint64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

// EnvOrDefaultBool returns the boolean value of the environment variable
// identified by key or the provided fallback if the variable is unset,
// empty, or cannot be parsed as a boolean. Used for gateway flags like the
// billing guard's bypass switch (pkg/config's Guard.BypassEnvVar names the
// variable the guard reads through this helper).
func EnvOrDefaultBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
