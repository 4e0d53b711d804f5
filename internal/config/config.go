package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port           string   `yaml:"port"`
	DBPath         string   `yaml:"db_path"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Tell newcomers the room's language right after joining
	AnnounceLanguage bool `yaml:"announce_language"`

	RateLimit  float64 `yaml:"rate_limit"`
	RateBurst  int     `yaml:"rate_burst"`
	JournalLen int     `yaml:"journal_queue"`

	RetentionInterval time.Duration `yaml:"retention_interval"`
	RetentionMaxAge   time.Duration `yaml:"retention_max_age"`

	// An empty ReviewBaseURL uses the SDK's default endpoint
	ReviewAPIKey  string `yaml:"review_api_key"`
	ReviewModel   string `yaml:"review_model"`
	ReviewBaseURL string `yaml:"review_base_url"`
}

func Default() Config {
	return Config{
		Port:              "5000",
		DBPath:            "./data/velocode.db",
		AllowedOrigins:    []string{"http://localhost:3000"},
		LogLevel:          "info",
		LogFormat:         "text",
		RateLimit:         100,
		RateBurst:         200,
		JournalLen:        1024,
		RetentionInterval: time.Hour,
		RetentionMaxAge:   7 * 24 * time.Hour,
		ReviewModel:       "gemini-2.0-flash",
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// a .env file, the environment and finally the command-line flags.
func Load(args []string) (Config, error) {
	cfg := Default()

	flags := pflag.NewFlagSet("velocode", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	envFile := flags.String("env-file", ".env", "path to a .env file (ignored if missing)")
	port := flags.String("port", "", "HTTP listen port")
	dbPath := flags.String("db-path", "", "SQLite activity ledger path")
	origins := flags.StringSlice("allowed-origins", nil, `allowed browser origins ("*" for any)`)
	logLevel := flags.String("log-level", "", "debug, info, warn or error")
	logFormat := flags.String("log-format", "", "text or json")
	announce := flags.Bool("announce-language", false, "send the room language to newcomers on join")
	rate := flags.Float64("rate-limit", 0, "inbound frames per second per connection")
	burst := flags.Int("rate-burst", 0, "inbound burst size per connection")
	retentionInterval := flags.Duration("retention-interval", 0, "how often ledger history is pruned")
	retentionMaxAge := flags.Duration("retention-max-age", 0, "how long ledger history is kept")

	if err := flags.Parse(args); err != nil {
		return cfg, err
	}

	if *configPath != "" {
		if err := loadFile(*configPath, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load %s: %w", *envFile, err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if flags.Changed("port") {
		cfg.Port = *port
	}
	if flags.Changed("db-path") {
		cfg.DBPath = *dbPath
	}
	if flags.Changed("allowed-origins") {
		cfg.AllowedOrigins = *origins
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = *logFormat
	}
	if flags.Changed("announce-language") {
		cfg.AnnounceLanguage = *announce
	}
	if flags.Changed("rate-limit") {
		cfg.RateLimit = *rate
	}
	if flags.Changed("rate-burst") {
		cfg.RateBurst = *burst
	}
	if flags.Changed("retention-interval") {
		cfg.RetentionInterval = *retentionInterval
	}
	if flags.Changed("retention-max-age") {
		cfg.RetentionMaxAge = *retentionMaxAge
	}

	return cfg, cfg.Validate()
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("PORT"); ok {
		cfg.Port = v
	}
	if v, ok := os.LookupEnv("VELOCODE_DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v, ok := os.LookupEnv("VELOCODE_ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = splitList(v)
	}
	if v, ok := os.LookupEnv("VELOCODE_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("VELOCODE_LOG_FORMAT"); ok {
		cfg.LogFormat = v
	}
	if v, ok := os.LookupEnv("VELOCODE_ANNOUNCE_LANGUAGE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VELOCODE_ANNOUNCE_LANGUAGE: %w", err)
		}
		cfg.AnnounceLanguage = b
	}
	if v, ok := os.LookupEnv("GOOGLE_GENAI_API_KEY"); ok {
		cfg.ReviewAPIKey = v
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c Config) Validate() error {
	if n, err := strconv.Atoi(c.Port); err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", c.Port)
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("rate_limit must be positive, got %v", c.RateLimit)
	}
	if c.RateBurst <= 0 {
		return fmt.Errorf("rate_burst must be positive, got %d", c.RateBurst)
	}
	if c.RetentionInterval <= 0 {
		return fmt.Errorf("retention_interval must be positive, got %v", c.RetentionInterval)
	}
	if c.RetentionMaxAge <= 0 {
		return fmt.Errorf("retention_max_age must be positive, got %v", c.RetentionMaxAge)
	}
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	return nil
}
