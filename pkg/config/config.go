package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Database   DatabaseConfig   `mapstructure:"database"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Moderation ModerationConfig `mapstructure:"moderation"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

type ModerationConfig struct {
	CheckTimeoutMs    int      `mapstructure:"check_timeout_ms"`
	EvalTimeoutMs     int      `mapstructure:"eval_timeout_ms"`
	BlocklistEndpoint string   `mapstructure:"blocklist_endpoint"`
	StopWords         []string `mapstructure:"stop_words"`
	TrustedUserIDs    []int64  `mapstructure:"trusted_user_ids"`
}

type RateLimitConfig struct {
	OpenAIRPS       float64 `mapstructure:"openai_rps"`
	OpenAIBurst     int     `mapstructure:"openai_burst"`
	BlocklistRPS    float64 `mapstructure:"blocklist_rps"`
	BlocklistBurst  int     `mapstructure:"blocklist_burst"`
	AcquireBudgetMs int     `mapstructure:"acquire_budget_ms"`
}

type CacheConfig struct {
	TTLMinutes   int `mapstructure:"ttl_minutes"`
	SweepMinutes int `mapstructure:"sweep_minutes"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  "disable",
	}, nil
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 256)
	v.SetDefault("openai.temperature", 0.1)
	v.SetDefault("moderation.check_timeout_ms", 5000)
	v.SetDefault("moderation.eval_timeout_ms", 10000)
	v.SetDefault("moderation.blocklist_endpoint", "https://api.lols.bot/account")
	v.SetDefault("ratelimit.openai_rps", 2.0)
	v.SetDefault("ratelimit.openai_burst", 4)
	v.SetDefault("ratelimit.blocklist_rps", 10.0)
	v.SetDefault("ratelimit.blocklist_burst", 20)
	v.SetDefault("ratelimit.acquire_budget_ms", 500)
	v.SetDefault("cache.ttl_minutes", 60)
	v.SetDefault("cache.sweep_minutes", 5)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", ":9090")

	// Enable environment variable support
	v.AutomaticEnv()

	// Read the config file
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	// Get other environment variables
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	return &config, nil
}
