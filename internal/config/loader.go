package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables.
// The file is optional; environment variables take precedence.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
	} else {
		if err := viper.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config.
func applyEnvironmentOverrides(cfg *Config) {
	if id := os.Getenv("LANSYNC_INSTANCE_ID"); id != "" {
		cfg.Instance.ID = id
	}
	if tenant := os.Getenv("LANSYNC_TENANT_ID"); tenant != "" {
		cfg.Instance.TenantID = tenant
	}
	if name := os.Getenv("LANSYNC_TENANT_NAME"); name != "" {
		cfg.Instance.TenantName = name
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if key := os.Getenv("CLIENT_AUTH_KEY"); key != "" {
		cfg.Server.ClientAuthKey = key
	}
	if port := os.Getenv("DISCOVERY_BIND_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Discovery.BindPort = p
		}
	}
	if dbHost := os.Getenv("REMOTE_DB_HOST"); dbHost != "" {
		cfg.Remote.Host = dbHost
	}
	if dbPort := os.Getenv("REMOTE_DB_PORT"); dbPort != "" {
		if p, err := strconv.Atoi(dbPort); err == nil {
			cfg.Remote.Port = p
		}
	}
	if dbName := os.Getenv("REMOTE_DB_NAME"); dbName != "" {
		cfg.Remote.Database = dbName
	}
	if dbUser := os.Getenv("REMOTE_DB_USER"); dbUser != "" {
		cfg.Remote.User = dbUser
	}
	if dbPassword := os.Getenv("REMOTE_DB_PASSWORD"); dbPassword != "" {
		cfg.Remote.Password = dbPassword
	}
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Redis.Password = redisPassword
	}
	if path := os.Getenv("LOCAL_STORE_PATH"); path != "" {
		cfg.LocalStore.Path = path
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}
