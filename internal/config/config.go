/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the pin-ledger-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	AccountEventQueue        string `mapstructure:"ACCOUNT_EVENT_QUEUE"`
	PortalJWKSURL            string `mapstructure:"PORTAL_JWKS_URL"`
	MembershipServiceURL     string `mapstructure:"MEMBERSHIP_SERVICE_URL"`
	MembershipServiceAPIKey  string `mapstructure:"MEMBERSHIP_SERVICE_API_KEY"`
	DirectoryServiceURL      string `mapstructure:"DIRECTORY_SERVICE_URL"`
	DirectoryServiceAPIKey   string `mapstructure:"DIRECTORY_SERVICE_API_KEY"`
	TransferRateLimitPerMin  int    `mapstructure:"TRANSFER_RATE_LIMIT_PER_MINUTE"`
	LedgerAuditSchedule      string `mapstructure:"LEDGER_AUDIT_SCHEDULE"`
	DirectoryCacheTTLSeconds int    `mapstructure:"DIRECTORY_CACHE_TTL_SECONDS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("ACCOUNT_EVENT_QUEUE", "pin_ledger.account_provisioned")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "certportal:rate_limit")
	viper.SetDefault("TRANSFER_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("LEDGER_AUDIT_SCHEDULE", "30 2 * * *")
	viper.SetDefault("DIRECTORY_CACHE_TTL_SECONDS", 300)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PIN_LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("ACCOUNT_EVENT_QUEUE")
	_ = viper.BindEnv("PORTAL_JWKS_URL")
	_ = viper.BindEnv("MEMBERSHIP_SERVICE_URL")
	_ = viper.BindEnv("MEMBERSHIP_SERVICE_API_KEY", "MEMBERSHIP_SERVICE_API_KEY", "INTERNAL_API_KEY")
	_ = viper.BindEnv("DIRECTORY_SERVICE_URL")
	_ = viper.BindEnv("DIRECTORY_SERVICE_API_KEY", "DIRECTORY_SERVICE_API_KEY", "INTERNAL_API_KEY")
	_ = viper.BindEnv("TRANSFER_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("LEDGER_AUDIT_SCHEDULE")
	_ = viper.BindEnv("DIRECTORY_CACHE_TTL_SECONDS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "certportal:rate_limit"
	}
	config.MembershipServiceURL = strings.TrimSpace(config.MembershipServiceURL)
	config.DirectoryServiceURL = strings.TrimSpace(config.DirectoryServiceURL)

	if config.TransferRateLimitPerMin < 0 {
		log.Printf("level=warn component=config msg=\"negative transfer rate limit configured; disabling limiter\" limit=%d", config.TransferRateLimitPerMin)
		config.TransferRateLimitPerMin = 0
	}
	if strings.TrimSpace(config.LedgerAuditSchedule) == "" {
		config.LedgerAuditSchedule = "30 2 * * *"
	}
	if config.DirectoryCacheTTLSeconds <= 0 {
		config.DirectoryCacheTTLSeconds = 300
	}

	return
}
