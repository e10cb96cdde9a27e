// Package config loads relayjournal settings from an optional config file,
// a .env file and the environment, in increasing order of precedence.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/spf13/viper"
)

const envPrefix = "relayjournal"

//go:embed schema.json
var schemaJSON []byte

type Config struct {
	Journal  JournalConfig  `mapstructure:"journal" json:"journal"`
	Store    StoreConfig    `mapstructure:"store" json:"store"`
	Queue    QueueConfig    `mapstructure:"queue" json:"queue"`
	Retry    RetryConfig    `mapstructure:"retry" json:"retry"`
	HTTP     HTTPConfig     `mapstructure:"http" json:"http"`
	Telegram TelegramConfig `mapstructure:"telegram" json:"telegram"`
	Spool    SpoolConfig    `mapstructure:"spool" json:"spool"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq" json:"rabbitmq"`
	Kafka    KafkaConfig    `mapstructure:"kafka" json:"kafka"`
	Mirror   MirrorConfig   `mapstructure:"mirror" json:"mirror"`
	Log      LogConfig      `mapstructure:"log" json:"log"`
}

type JournalConfig struct {
	Timezone      string `mapstructure:"timezone" json:"timezone"`
	CommitMessage string `mapstructure:"commit_message" json:"commit_message"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn" json:"dsn"`
	// Repository is the owner/name shorthand for a github:// DSN.
	Repository        string        `mapstructure:"repository" json:"repository"`
	Token             string        `mapstructure:"token" json:"token"`
	APIBaseURL        string        `mapstructure:"api_base_url" json:"api_base_url"`
	Branch            string        `mapstructure:"branch" json:"branch"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" json:"requests_per_second"`
	Timeout           time.Duration `mapstructure:"timeout" json:"timeout"`
}

type QueueConfig struct {
	DSN      string `mapstructure:"dsn" json:"dsn"`
	Capacity int    `mapstructure:"capacity" json:"capacity"`
}

type RetryConfig struct {
	BaseDelay time.Duration `mapstructure:"base_delay" json:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay" json:"max_delay"`
}

type HTTPConfig struct {
	Enabled            bool     `mapstructure:"enabled" json:"enabled"`
	Addr               string   `mapstructure:"addr" json:"addr"`
	JWTSecret          string   `mapstructure:"jwt_secret" json:"jwt_secret"`
	AllowedSenders     []string `mapstructure:"allowed_senders" json:"allowed_senders"`
	RateLimitPerSecond float64  `mapstructure:"rate_limit_per_second" json:"rate_limit_per_second"`
	RateLimitBurst     int      `mapstructure:"rate_limit_burst" json:"rate_limit_burst"`
	MaxBodyBytes       int64    `mapstructure:"max_body_bytes" json:"max_body_bytes"`
}

type TelegramConfig struct {
	Enabled         bool          `mapstructure:"enabled" json:"enabled"`
	Token           string        `mapstructure:"token" json:"token"`
	APIBaseURL      string        `mapstructure:"api_base_url" json:"api_base_url"`
	AllowedChats    []string      `mapstructure:"allowed_chats" json:"allowed_chats"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout" json:"poll_timeout"`
	RejectionNotice string        `mapstructure:"rejection_notice" json:"rejection_notice"`
}

type SpoolConfig struct {
	Enabled        bool          `mapstructure:"enabled" json:"enabled"`
	Dir            string        `mapstructure:"dir" json:"dir"`
	Pattern        string        `mapstructure:"pattern" json:"pattern"`
	RescanInterval time.Duration `mapstructure:"rescan_interval" json:"rescan_interval"`
}

type RabbitMQConfig struct {
	Enabled        bool     `mapstructure:"enabled" json:"enabled"`
	URL            string   `mapstructure:"url" json:"url"`
	Queue          string   `mapstructure:"queue" json:"queue"`
	Exchange       string   `mapstructure:"exchange" json:"exchange"`
	RoutingKeys    []string `mapstructure:"routing_keys" json:"routing_keys"`
	Prefetch       int      `mapstructure:"prefetch" json:"prefetch"`
	AllowedSenders []string `mapstructure:"allowed_senders" json:"allowed_senders"`
}

type KafkaConfig struct {
	Enabled        bool     `mapstructure:"enabled" json:"enabled"`
	Brokers        []string `mapstructure:"brokers" json:"brokers"`
	Topics         []string `mapstructure:"topics" json:"topics"`
	GroupID        string   `mapstructure:"group_id" json:"group_id"`
	ClientID       string   `mapstructure:"client_id" json:"client_id"`
	AllowedSenders []string `mapstructure:"allowed_senders" json:"allowed_senders"`
}

// MirrorConfig keeps a local directory of decoded documents up to date while
// serving.
type MirrorConfig struct {
	Enabled  bool          `mapstructure:"enabled" json:"enabled"`
	Dir      string        `mapstructure:"dir" json:"dir"`
	Interval time.Duration `mapstructure:"interval" json:"interval"`
	Jitter   float64       `mapstructure:"jitter" json:"jitter"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

// Load reads path (when non-empty) and overlays .env and RELAYJOURNAL_*
// variables. The single-bot deployment variables TELEGRAM_TOKEN, GITHUB_TOKEN,
// CHAT and REPO are honoured as fallbacks.
func Load(path string) (Config, error) {
	if err := loadDotEnv(path); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()
	if err := cfg.CheckSchema(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Unmarshal only sees environment overrides for keys viper already knows.
	for _, key := range []string{
		"store.dsn", "store.api_base_url", "store.branch",
		"http.jwt_secret", "spool.dir", "mirror.dir",
		"rabbitmq.url", "rabbitmq.exchange",
	} {
		v.SetDefault(key, "")
	}
	for _, key := range []string{
		"http.allowed_senders", "rabbitmq.routing_keys", "rabbitmq.allowed_senders",
		"kafka.brokers", "kafka.topics", "kafka.allowed_senders",
	} {
		v.SetDefault(key, []string{})
	}
	v.SetDefault("journal.timezone", "UTC")
	v.SetDefault("journal.commit_message", "journal: update by relay")
	v.SetDefault("store.requests_per_second", 1)
	v.SetDefault("store.timeout", "20s")
	v.SetDefault("queue.dsn", "memory://")
	v.SetDefault("queue.capacity", 64)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("http.enabled", false)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rate_limit_per_second", 5)
	v.SetDefault("http.rate_limit_burst", 10)
	v.SetDefault("http.max_body_bytes", 64<<10)
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.api_base_url", "https://api.telegram.org")
	v.SetDefault("telegram.poll_timeout", "30s")
	v.SetDefault("telegram.rejection_notice", "you are not in whitelist")
	v.SetDefault("spool.enabled", false)
	v.SetDefault("spool.pattern", "*.txt")
	v.SetDefault("spool.rescan_interval", "30s")
	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.queue", "relayjournal")
	v.SetDefault("rabbitmq.prefetch", 1)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.group_id", "relayjournal")
	v.SetDefault("kafka.client_id", "relayjournal")
	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.interval", "5m")
	v.SetDefault("mirror.jitter", 0.2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"telegram.token":         "TELEGRAM_TOKEN",
		"telegram.allowed_chats": "CHAT",
		"store.token":            "GITHUB_TOKEN",
		"store.repository":       "REPO",
	}
	for key, legacy := range bindings {
		prefixed := strings.ToUpper(envPrefix + "_" + strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	// A bare TELEGRAM_TOKEN deployment expects the bot to run.
	if strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")) != "" {
		v.SetDefault("telegram.enabled", true)
	}
	return nil
}

// loadDotEnv loads .env from the working directory and from the config file's
// directory. Variables already set in the environment win.
func loadDotEnv(configPath string) error {
	candidates := []string{".env"}
	if dir := filepath.Dir(strings.TrimSpace(configPath)); configPath != "" && dir != "." {
		candidates = append(candidates, filepath.Join(dir, ".env"))
	}
	for _, candidate := range candidates {
		if err := godotenv.Load(candidate); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", candidate, err)
		}
	}
	return nil
}

func (c *Config) normalize() {
	c.Store.DSN = strings.TrimSpace(c.Store.DSN)
	if c.Store.DSN == "" && strings.TrimSpace(c.Store.Repository) != "" {
		c.Store.DSN = "github://" + strings.Trim(strings.TrimSpace(c.Store.Repository), "/")
	}
	c.HTTP.AllowedSenders = splitList(c.HTTP.AllowedSenders)
	c.Telegram.AllowedChats = splitList(c.Telegram.AllowedChats)
	c.RabbitMQ.RoutingKeys = splitList(c.RabbitMQ.RoutingKeys)
	c.RabbitMQ.AllowedSenders = splitList(c.RabbitMQ.AllowedSenders)
	c.Kafka.Brokers = splitList(c.Kafka.Brokers)
	c.Kafka.Topics = splitList(c.Kafka.Topics)
	c.Kafka.AllowedSenders = splitList(c.Kafka.AllowedSenders)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

// splitList flattens comma separated entries so that CHAT="1,2" and a YAML
// list decode the same way.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// CheckSchema validates the decoded settings against the embedded JSON
// schema: types, enums and numeric bounds.
func (c Config) CheckSchema() error {
	compiler := jsonschema.NewCompiler()
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("parse config schema: %w", err)
	}
	if err := compiler.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("load config schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Validate applies the rules that span several settings.
func (c Config) Validate() error {
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry.base_delay %s exceeds retry.max_delay %s", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	if c.HTTP.Enabled && strings.TrimSpace(c.HTTP.JWTSecret) == "" {
		return fmt.Errorf("http.jwt_secret is required when http is enabled")
	}
	if c.Telegram.Enabled {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token is required when telegram is enabled")
		}
		if len(c.Telegram.AllowedChats) == 0 {
			return fmt.Errorf("telegram.allowed_chats is required when telegram is enabled")
		}
	}
	if c.Spool.Enabled && strings.TrimSpace(c.Spool.Dir) == "" {
		return fmt.Errorf("spool.dir is required when spool is enabled")
	}
	if c.RabbitMQ.Enabled && strings.TrimSpace(c.RabbitMQ.URL) == "" {
		return fmt.Errorf("rabbitmq.url is required when rabbitmq is enabled")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 || len(c.Kafka.Topics) == 0 {
			return fmt.Errorf("kafka.brokers and kafka.topics are required when kafka is enabled")
		}
	}
	if c.Mirror.Enabled && strings.TrimSpace(c.Mirror.Dir) == "" {
		return fmt.Errorf("mirror.dir is required when mirror is enabled")
	}
	return nil
}

// Location resolves journal.timezone.
func (c Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Journal.Timezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("journal.timezone %q: %w", name, err)
	}
	return loc, nil
}

// Transports lists the enabled inbound transports by name.
func (c Config) Transports() []string {
	var names []string
	if c.Telegram.Enabled {
		names = append(names, "telegram")
	}
	if c.Spool.Enabled {
		names = append(names, "spool")
	}
	if c.RabbitMQ.Enabled {
		names = append(names, "rabbitmq")
	}
	if c.Kafka.Enabled {
		names = append(names, "kafka")
	}
	if c.HTTP.Enabled {
		names = append(names, "http")
	}
	return names
}
