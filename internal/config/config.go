/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables and an optional
 * .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the aa-service.
type Config struct {
	ServerPort                    string `mapstructure:"SERVER_PORT"`
	DatabaseURL                   string `mapstructure:"DATABASE_URL"`
	RunMigrations                 bool   `mapstructure:"RUN_MIGRATIONS"`
	RedisURL                      string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix          string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                   string `mapstructure:"RABBITMQ_URL"`
	TriggerQueue                  string `mapstructure:"TRIGGER_QUEUE"`
	TSPAPIBaseURL                 string `mapstructure:"TSP_API_BASE_URL"`
	TSPEmail                      string `mapstructure:"TSP_EMAIL"`
	TSPPassword                   string `mapstructure:"TSP_PASSWORD"`
	TxnCallbackURL                string `mapstructure:"TXN_CALLBACK_URL"`
	ConsentCallbackURL            string `mapstructure:"CONSENT_CALLBACK_URL"`
	BSAWebhookURL                 string `mapstructure:"BSA_WEBHOOK_URL"`
	WebhookSecret                 string `mapstructure:"WEBHOOK_SECRET"`
	InternalAPIKey                string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins            string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	StatusCheckRateLimitPerMinute int    `mapstructure:"STATUS_CHECK_RATE_LIMIT_PER_MINUTE"`
	StaleConsentSweepSchedule     string `mapstructure:"STALE_CONSENT_SWEEP_SCHEDULE"`
	StaleConsentSweepAgeMinutes   int    `mapstructure:"STALE_CONSENT_SWEEP_AGE_MINUTES"`
	DefaultAAID                   string `mapstructure:"DEFAULT_AA_ID"`
	TriggerTimeoutSeconds         int    `mapstructure:"TRIGGER_TIMEOUT_SECONDS"`
}

// LoadConfig reads configuration from environment variables from the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "aa:rate_limit")
	viper.SetDefault("TRIGGER_QUEUE", "aa_service.triggers")
	viper.SetDefault("TSP_API_BASE_URL", "https://api.tsp.example.com")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("STATUS_CHECK_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("STALE_CONSENT_SWEEP_SCHEDULE", "")
	viper.SetDefault("STALE_CONSENT_SWEEP_AGE_MINUTES", 10)
	viper.SetDefault("DEFAULT_AA_ID", "dashboard-aa-preprod")
	viper.SetDefault("TRIGGER_TIMEOUT_SECONDS", 120)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL", "DATABASE_URL", "AA_DATABASE_URL")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "AA_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("TRIGGER_QUEUE")
	_ = viper.BindEnv("TSP_API_BASE_URL")
	_ = viper.BindEnv("TSP_EMAIL")
	_ = viper.BindEnv("TSP_PASSWORD")
	_ = viper.BindEnv("TXN_CALLBACK_URL")
	_ = viper.BindEnv("CONSENT_CALLBACK_URL")
	_ = viper.BindEnv("BSA_WEBHOOK_URL")
	_ = viper.BindEnv("WEBHOOK_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "AA_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("STATUS_CHECK_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("STALE_CONSENT_SWEEP_SCHEDULE")
	_ = viper.BindEnv("STALE_CONSENT_SWEEP_AGE_MINUTES")
	_ = viper.BindEnv("DEFAULT_AA_ID")
	_ = viper.BindEnv("TRIGGER_TIMEOUT_SECONDS")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("AA_SERVICE_INTERNAL_API_KEY"))
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.WebhookSecret = strings.TrimSpace(config.WebhookSecret)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "aa:rate_limit"
	}
	config.TSPAPIBaseURL = strings.TrimRight(strings.TrimSpace(config.TSPAPIBaseURL), "/")
	config.StaleConsentSweepSchedule = strings.TrimSpace(config.StaleConsentSweepSchedule)
	if strings.TrimSpace(config.DefaultAAID) == "" {
		config.DefaultAAID = "dashboard-aa-preprod"
	}

	if config.StatusCheckRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative status-check rate limit; disabling\" limit=%d", config.StatusCheckRateLimitPerMinute)
		config.StatusCheckRateLimitPerMinute = 0
	}
	if config.StaleConsentSweepAgeMinutes <= 0 {
		config.StaleConsentSweepAgeMinutes = 10
	}
	if config.TriggerTimeoutSeconds <= 0 {
		config.TriggerTimeoutSeconds = 120
	}
	if config.TSPEmail == "" || config.TSPPassword == "" {
		log.Printf("level=warn component=config msg=\"TSP credentials not configured; vendor login will fail\"")
	}

	return
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS into a list.
func (c Config) AllowedOrigins() []string {
	origins := []string{}
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
