// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SYLLABUS_REDIS_ADDR.
const EnvPrefix = "SYLLABUS"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Source        SourceConfig        `mapstructure:"source"`
	Crawl         CrawlConfig         `mapstructure:"crawl"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Index         IndexConfig         `mapstructure:"index"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Storage       StorageConfig       `mapstructure:"storage"`
	DB            DBConfig            `mapstructure:"db"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	Notify        NotifyConfig        `mapstructure:"notify"`
	Schedule      ScheduleConfig      `mapstructure:"schedule"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SourceConfig describes the syllabus site and how it is fetched.
type SourceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Category       string        `mapstructure:"category"`
	UserAgent      string        `mapstructure:"user_agent"`
	Referer        string        `mapstructure:"referer"`
	AcceptLanguage string        `mapstructure:"accept_language"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
}

// CrawlConfig governs worker pools, pacing and retries.
type CrawlConfig struct {
	ListInterval      time.Duration `mapstructure:"list_interval"`
	PageDelay         time.Duration `mapstructure:"page_delay"`
	DetailConcurrency int           `mapstructure:"detail_concurrency"`
	DetailRate        int           `mapstructure:"detail_rate"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseBackoff       time.Duration `mapstructure:"base_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	RecoverOnStart    bool          `mapstructure:"recover_on_start"`
}

// RedisConfig locates the queue and lock store.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	Prefix       string        `mapstructure:"prefix"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Retention    time.Duration `mapstructure:"retention"`
	SeenTTL      time.Duration `mapstructure:"seen_ttl"`
	// Lease is how long a held task survives without a heartbeat.
	Lease time.Duration `mapstructure:"lease"`
}

// IndexConfig selects the index backend and its naming.
type IndexConfig struct {
	Driver   string `mapstructure:"driver"`
	PrefixJA string `mapstructure:"prefix_ja"`
	PrefixEN string `mapstructure:"prefix_en"`
	// Keep is how many non-live generations survive a prune.
	Keep int `mapstructure:"keep"`
}

// ElasticsearchConfig carries cluster connection settings.
type ElasticsearchConfig struct {
	Addresses  []string `mapstructure:"addresses"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	MaxRetries int      `mapstructure:"max_retries"`
}

// StorageConfig selects where run history and fingerprints live.
type StorageConfig struct {
	Driver            string `mapstructure:"driver"`
	RunsTable         string `mapstructure:"runs_table"`
	FingerprintsTable string `mapstructure:"fingerprints_table"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ArchiveConfig selects where raw detail pages are archived.
type ArchiveConfig struct {
	Driver   string `mapstructure:"driver"`
	Dir      string `mapstructure:"dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Endpoint string `mapstructure:"endpoint"`
}

// NotifyConfig holds change notification targets. Empty values disable a
// channel.
type NotifyConfig struct {
	WebhookURL    string `mapstructure:"webhook_url"`
	PubSubProject string `mapstructure:"pubsub_project"`
	PubSubTopic   string `mapstructure:"pubsub_topic"`
}

// ScheduleConfig controls periodic run starts.
type ScheduleConfig struct {
	Cron string `mapstructure:"cron"`
}

// Load builds a Config from an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadEnvFiles loads ENV_FILE when set, else .env.local and then .env.
// Missing files are ignored and existing variables win.
func LoadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("source.base_url", "https://www.syllabus.kit.ac.jp/")
	v.SetDefault("source.category", "99")
	v.SetDefault("source.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("source.referer", "https://www.syllabus.kit.ac.jp/?c=search_list&sk=99")
	v.SetDefault("source.accept_language", "ja,en;q=0.9,en-US;q=0.8,ga;q=0.7")
	v.SetDefault("source.timeout", "15s")
	v.SetDefault("source.respect_robots", false)

	v.SetDefault("crawl.list_interval", "1s")
	v.SetDefault("crawl.page_delay", "1s")
	v.SetDefault("crawl.detail_concurrency", 2)
	v.SetDefault("crawl.detail_rate", 4)
	v.SetDefault("crawl.max_attempts", 2)
	v.SetDefault("crawl.base_backoff", "1s")
	v.SetDefault("crawl.max_backoff", "30s")
	v.SetDefault("crawl.recover_on_start", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "syllabus")
	v.SetDefault("redis.poll_interval", "1s")
	v.SetDefault("redis.retention", "24h")
	v.SetDefault("redis.seen_ttl", "168h")
	v.SetDefault("redis.lease", "2m")

	v.SetDefault("index.driver", "elasticsearch")
	v.SetDefault("index.prefix_ja", "syllabus-ja")
	v.SetDefault("index.prefix_en", "syllabus-en")
	v.SetDefault("index.keep", 2)

	v.SetDefault("elasticsearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("elasticsearch.username", "")
	v.SetDefault("elasticsearch.password", "")
	v.SetDefault("elasticsearch.max_retries", 3)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.runs_table", "crawl_runs")
	v.SetDefault("storage.fingerprints_table", "subject_fingerprints")

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")

	v.SetDefault("archive.driver", "none")
	v.SetDefault("archive.dir", "data/pages")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.endpoint", "")

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.pubsub_project", "")
	v.SetDefault("notify.pubsub_topic", "")

	v.SetDefault("schedule.cron", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if c.Crawl.DetailConcurrency <= 0 {
		return fmt.Errorf("crawl.detail_concurrency must be > 0")
	}
	if c.Crawl.DetailRate < 0 {
		return fmt.Errorf("crawl.detail_rate must be >= 0")
	}
	if c.Crawl.MaxAttempts <= 0 {
		return fmt.Errorf("crawl.max_attempts must be > 0")
	}
	if c.Crawl.PageDelay < 0 || c.Crawl.ListInterval < 0 {
		return fmt.Errorf("crawl delays must be >= 0")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Redis.Lease <= 0 {
		return fmt.Errorf("redis.lease must be > 0")
	}
	if c.Index.PrefixJA == "" || c.Index.PrefixEN == "" || c.Index.PrefixJA == c.Index.PrefixEN {
		return fmt.Errorf("index.prefix_ja and index.prefix_en must be set and distinct")
	}
	if c.Index.Keep < 0 {
		return fmt.Errorf("index.keep must be >= 0")
	}
	switch c.Index.Driver {
	case "memory":
	case "elasticsearch":
		if len(c.Elasticsearch.Addresses) == 0 {
			return fmt.Errorf("elasticsearch.addresses is required for index.driver=elasticsearch")
		}
	default:
		return fmt.Errorf("index.driver must be elasticsearch or memory, got %q", c.Index.Driver)
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be postgres or memory, got %q", c.Storage.Driver)
	}
	switch c.Archive.Driver {
	case "none", "memory":
	case "local":
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir is required for archive.driver=local")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for archive.driver=gcs")
		}
	default:
		return fmt.Errorf("archive.driver must be none, memory, local or gcs, got %q", c.Archive.Driver)
	}
	if (c.Notify.PubSubProject == "") != (c.Notify.PubSubTopic == "") {
		return fmt.Errorf("notify.pubsub_project and notify.pubsub_topic must be set together")
	}
	return nil
}
