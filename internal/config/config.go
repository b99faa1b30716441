package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Cron      CronConfig      `mapstructure:"cron"`
	Gamma     GammaConfig     `mapstructure:"gamma"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Poly      PolyConfig      `mapstructure:"polymarket"`
	Kalshi    KalshiConfig    `mapstructure:"kalshi"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Rollup    RollupConfig    `mapstructure:"rollup"`
	Stats     StatsConfig     `mapstructure:"stats"`
	Movers    MoversConfig    `mapstructure:"movers"`
	Spikes    SpikesConfig    `mapstructure:"spikes"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Arbitrage ArbitrageConfig `mapstructure:"arbitrage"`
	Retention RetentionConfig `mapstructure:"retention"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string        `mapstructure:"level"`
	Encoding          string        `mapstructure:"encoding"`
	Development       bool          `mapstructure:"development"`
	Sampling          bool          `mapstructure:"sampling"`
	DisableCaller     bool          `mapstructure:"disable_caller"`
	DisableStacktrace bool          `mapstructure:"disable_stacktrace"`
	File              LogFileConfig `mapstructure:"file"`
}

// LogFileConfig enables a rotated file sink next to stdout.
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PriceTTL time.Duration `mapstructure:"price_ttl"`
}

type CronConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	CatalogSync string `mapstructure:"catalog_sync"`
	RollupFlush string `mapstructure:"rollup_flush"`
	Stats       string `mapstructure:"stats"`
	Movers      string `mapstructure:"movers"`
	Spikes      string `mapstructure:"spikes"`
	Alerts      string `mapstructure:"alerts"`
	Cleanup     string `mapstructure:"cleanup"`
	Arbitrage   string `mapstructure:"arbitrage"`
	Retention   string `mapstructure:"retention"`
	Status      string `mapstructure:"status"`
}

type GammaConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type CatalogConfig struct {
	PageLimit int `mapstructure:"page_limit"`
	MaxPages  int `mapstructure:"max_pages"`
}

type PolyConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	WSURL   string        `mapstructure:"ws_url"`
	RESTURL string        `mapstructure:"rest_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type KalshiConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	WSURL          string        `mapstructure:"ws_url"`
	RESTURL        string        `mapstructure:"rest_url"`
	APIKey         string        `mapstructure:"api_key"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// StreamConfig drives every venue connection manager.
type StreamConfig struct {
	MaxAssets            int           `mapstructure:"max_assets"`
	WatchdogTimeout      time.Duration `mapstructure:"watchdog_timeout"`
	ReconnectBase        time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax         time.Duration `mapstructure:"reconnect_max"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	RefreshInterval      time.Duration `mapstructure:"refresh_interval"`
	ChunkSize            int           `mapstructure:"chunk_size"`
	ChunkRate            float64       `mapstructure:"chunk_rate"`
	EventBuffer          int           `mapstructure:"event_buffer"`
	StaleAfter           time.Duration `mapstructure:"stale_after"`
}

type IngestConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	BatchMaxAge      time.Duration `mapstructure:"batch_max_age"`
	ForceMovePP      float64       `mapstructure:"force_move_pp"`
	MinWriteInterval time.Duration `mapstructure:"min_write_interval"`
	InstantMovePP    float64       `mapstructure:"instant_move_pp"`
	InstantDebounce  time.Duration `mapstructure:"instant_debounce"`
	InstantQuality   float64       `mapstructure:"instant_quality"`
}

type RollupConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type StatsConfig struct {
	LookbackDays int `mapstructure:"lookback_days"`
	MinSamples   int `mapstructure:"min_samples"`
}

type MoversConfig struct {
	Windows       []int   `mapstructure:"windows"`
	TopN          int     `mapstructure:"top_n"`
	MinQuality    float64 `mapstructure:"min_quality"`
	ZRef          float64 `mapstructure:"z_ref"`
	StddevFloor   float64 `mapstructure:"stddev_floor"`
	SpikeMin      float64 `mapstructure:"spike_min"`
	SpikeBonusCap float64 `mapstructure:"spike_bonus_cap"`
}

type SpikesConfig struct {
	BaselineDays    int           `mapstructure:"baseline_days"`
	MinBaselineDays int           `mapstructure:"min_baseline_days"`
	MinRatio        float64       `mapstructure:"min_ratio"`
	MinVolume       float64       `mapstructure:"min_volume"`
	LowRatio        float64       `mapstructure:"low_ratio"`
	MediumRatio     float64       `mapstructure:"medium_ratio"`
	HighRatio       float64       `mapstructure:"high_ratio"`
	ExtremeRatio    float64       `mapstructure:"extreme_ratio"`
	DedupWindow     time.Duration `mapstructure:"dedup_window"`
	DedupFactor     float64       `mapstructure:"dedup_factor"`
}

type AlertsConfig struct {
	WindowSeconds     int           `mapstructure:"window_seconds"`
	DefaultMovePP     float64       `mapstructure:"default_move_pp"`
	Near48hMovePP     float64       `mapstructure:"near_48h_move_pp"`
	Near6hMovePP      float64       `mapstructure:"near_6h_move_pp"`
	MinVolume         float64       `mapstructure:"min_volume"`
	MaxSpread         float64       `mapstructure:"max_spread"`
	SpikeRatio        float64       `mapstructure:"spike_ratio"`
	HoldMovePP        float64       `mapstructure:"hold_move_pp"`
	HoldSpike         float64       `mapstructure:"hold_spike"`
	DedupWindow       time.Duration `mapstructure:"dedup_window"`
	DedupFactor       float64       `mapstructure:"dedup_factor"`
	ArchiveSuppressed bool          `mapstructure:"archive_suppressed"`
}

type ArbitrageConfig struct {
	MinMargin     float64       `mapstructure:"min_margin"`
	Expiry        time.Duration `mapstructure:"expiry"`
	MinSimilarity float64       `mapstructure:"min_similarity"`
	MaxPriceAge   time.Duration `mapstructure:"max_price_age"`
}

type RetentionConfig struct {
	TicksDays        int `mapstructure:"ticks_days"`
	Candles1mDays    int `mapstructure:"candles_1m_days"`
	Candles5mDays    int `mapstructure:"candles_5m_days"`
	Candles1hDays    int `mapstructure:"candles_1h_days"`
	MoversDays       int `mapstructure:"movers_days"`
	AlertsDays       int `mapstructure:"alerts_days"`
	SpikesDays       int `mapstructure:"spikes_days"`
	ArbitrageDays    int `mapstructure:"arbitrage_days"`
	VolumeHourlyDays int `mapstructure:"volume_hourly_days"`
}

type ArchiveConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	PathStyle       bool   `mapstructure:"path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Compression     string `mapstructure:"compression"`
}

type NotifyConfig struct {
	Timeout  time.Duration  `mapstructure:"timeout"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

type WebhookConfig struct {
	URL string `mapstructure:"url"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

type DiscordConfig struct {
	BotToken  string `mapstructure:"bot_token"`
	ChannelID string `mapstructure:"channel_id"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	DefaultTier string `mapstructure:"default_tier"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads config from the yaml file at path (unless envOnly) layered with
// MP_* environment variables. A .env file in the working directory is
// loaded first when present.
func Load(path string, envOnly bool) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("MP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	setDefaults(v)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 14)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.price_ttl", "10m")

	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.catalog_sync", "@every 10m")
	v.SetDefault("cron.rollup_flush", "@every 10s")
	v.SetDefault("cron.stats", "0 15 0 * * *")
	v.SetDefault("cron.movers", "@every 1m")
	v.SetDefault("cron.spikes", "@every 5m")
	v.SetDefault("cron.alerts", "@every 1m")
	v.SetDefault("cron.cleanup", "@every 15m")
	v.SetDefault("cron.arbitrage", "@every 30s")
	v.SetDefault("cron.retention", "0 30 3 * * *")
	v.SetDefault("cron.status", "@every 15s")

	v.SetDefault("gamma.base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("gamma.timeout", "15s")
	v.SetDefault("catalog.page_limit", 200)
	v.SetDefault("catalog.max_pages", 10)

	v.SetDefault("polymarket.enabled", true)
	v.SetDefault("polymarket.ws_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("polymarket.rest_url", "https://clob.polymarket.com")
	v.SetDefault("polymarket.timeout", "15s")

	v.SetDefault("kalshi.enabled", false)
	v.SetDefault("kalshi.ws_url", "wss://api.elections.kalshi.com/trade-api/ws/v2")
	v.SetDefault("kalshi.rest_url", "https://api.elections.kalshi.com/trade-api/v2")
	v.SetDefault("kalshi.timeout", "15s")

	v.SetDefault("stream.max_assets", 500)
	v.SetDefault("stream.watchdog_timeout", "120s")
	v.SetDefault("stream.reconnect_base", "5s")
	v.SetDefault("stream.reconnect_max", "60s")
	v.SetDefault("stream.max_reconnect_attempts", 10)
	v.SetDefault("stream.poll_interval", "30s")
	v.SetDefault("stream.ping_interval", "10s")
	v.SetDefault("stream.refresh_interval", "5m")
	v.SetDefault("stream.chunk_size", 20)
	v.SetDefault("stream.chunk_rate", 5.0)
	v.SetDefault("stream.event_buffer", 1024)
	v.SetDefault("stream.stale_after", "5m")

	v.SetDefault("ingest.batch_size", 100)
	v.SetDefault("ingest.batch_max_age", "1s")
	v.SetDefault("ingest.force_move_pp", 0.5)
	v.SetDefault("ingest.min_write_interval", "5s")
	v.SetDefault("ingest.instant_move_pp", 5.0)
	v.SetDefault("ingest.instant_debounce", "10s")
	v.SetDefault("ingest.instant_quality", 1.0)

	v.SetDefault("rollup.flush_interval", "10s")

	v.SetDefault("stats.lookback_days", 14)
	v.SetDefault("stats.min_samples", 2)

	v.SetDefault("movers.windows", []int{300, 900, 3600, 86400})
	v.SetDefault("movers.top_n", 100)
	v.SetDefault("movers.min_quality", 1.0)
	v.SetDefault("movers.z_ref", 1.5)
	v.SetDefault("movers.stddev_floor", 0.5)
	v.SetDefault("movers.spike_min", 1.5)
	v.SetDefault("movers.spike_bonus_cap", 5.0)

	v.SetDefault("spikes.baseline_days", 7)
	v.SetDefault("spikes.min_baseline_days", 2)
	v.SetDefault("spikes.min_ratio", 2.0)
	v.SetDefault("spikes.min_volume", 1000)
	v.SetDefault("spikes.low_ratio", 1.5)
	v.SetDefault("spikes.medium_ratio", 3.0)
	v.SetDefault("spikes.high_ratio", 5.0)
	v.SetDefault("spikes.extreme_ratio", 10.0)
	v.SetDefault("spikes.dedup_window", "60m")
	v.SetDefault("spikes.dedup_factor", 1.2)

	v.SetDefault("alerts.window_seconds", 3600)
	v.SetDefault("alerts.default_move_pp", 10.0)
	v.SetDefault("alerts.near_48h_move_pp", 25.0)
	v.SetDefault("alerts.near_6h_move_pp", 50.0)
	v.SetDefault("alerts.min_volume", 1000)
	v.SetDefault("alerts.max_spread", 0.05)
	v.SetDefault("alerts.spike_ratio", 3.0)
	v.SetDefault("alerts.hold_move_pp", 0.5)
	v.SetDefault("alerts.hold_spike", 0.25)
	v.SetDefault("alerts.dedup_window", "30m")
	v.SetDefault("alerts.dedup_factor", 1.2)
	v.SetDefault("alerts.archive_suppressed", true)

	v.SetDefault("arbitrage.min_margin", 0.002)
	v.SetDefault("arbitrage.expiry", "5m")
	v.SetDefault("arbitrage.min_similarity", 0.85)
	v.SetDefault("arbitrage.max_price_age", "10m")

	v.SetDefault("retention.ticks_days", 3)
	v.SetDefault("retention.candles_1m_days", 14)
	v.SetDefault("retention.candles_5m_days", 30)
	v.SetDefault("retention.candles_1h_days", 120)
	v.SetDefault("retention.movers_days", 14)
	v.SetDefault("retention.alerts_days", 30)
	v.SetDefault("retention.spikes_days", 30)
	v.SetDefault("retention.arbitrage_days", 14)
	v.SetDefault("retention.volume_hourly_days", 120)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.prefix", "ticks")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.compression", "snappy")

	v.SetDefault("notify.timeout", "5s")
	v.SetDefault("notify.kafka.topic", "marketpulse.alerts")

	v.SetDefault("auth.default_tier", "free")
	v.SetDefault("metrics.enabled", true)
}
