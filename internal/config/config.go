package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Quotes    QuotesConfig    `mapstructure:"quotes"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type AuthConfig struct {
	// JWTSecret signs admin API bearer tokens.
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	// CredentialKey is the hex-encoded AES key protecting stored broker
	// passwords.
	CredentialKey string `mapstructure:"credential_key"`
}

type BrokerConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// MarketMIC identifies the exchange whose hours gate the engine.
	MarketMIC string `mapstructure:"market_mic"`
}

type QuotesConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Region  string        `mapstructure:"region"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type EngineConfig struct {
	// TokenTTL and AccountTTL bound the in-memory broker caches.
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	AccountTTL time.Duration `mapstructure:"account_ttl"`
	// SellAllBeforeClose is the window before market close in which
	// non-overnight positions are liquidated.
	SellAllBeforeClose time.Duration `mapstructure:"sell_all_before_close"`
	// OverrideMarketClose forces refresh/tick cycles while the market is
	// closed; testing only.
	OverrideMarketClose bool `mapstructure:"override_market_close"`
	// ManuallySellAll liquidates every position on the next tick.
	ManuallySellAll bool `mapstructure:"manually_sell_all"`
	// ExtendedHours gates on the extended session instead of the regular one.
	ExtendedHours bool `mapstructure:"extended_hours"`
	DebugTicks    bool `mapstructure:"debug_ticks"`
}

type SchedulerConfig struct {
	FastSpec        string        `mapstructure:"fast_spec"`
	SlowSpec        string        `mapstructure:"slow_spec"`
	MarketHoursSpec string        `mapstructure:"market_hours_spec"`
	StartupPoll     time.Duration `mapstructure:"startup_poll"`
}

type NotifyConfig struct {
	WebhookURL   string        `mapstructure:"webhook_url"`
	WebhookToken string        `mapstructure:"webhook_token"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Email        EmailConfig   `mapstructure:"email"`
}

// EmailConfig is the operator-level SMTP sink for engine events.
type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	ToEmail  string `mapstructure:"to_email"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("broker.timeout", "15s")
	v.SetDefault("broker.market_mic", "XNYS")
	v.SetDefault("quotes.region", "america")
	v.SetDefault("quotes.timeout", "10s")
	v.SetDefault("engine.token_ttl", "5h")
	v.SetDefault("engine.account_ttl", "10m")
	v.SetDefault("engine.sell_all_before_close", "30s")
	v.SetDefault("engine.override_market_close", false)
	v.SetDefault("engine.manually_sell_all", false)
	v.SetDefault("engine.extended_hours", false)
	v.SetDefault("engine.debug_ticks", false)
	v.SetDefault("scheduler.fast_spec", "@every 5s")
	v.SetDefault("scheduler.slow_spec", "@every 1m")
	v.SetDefault("scheduler.market_hours_spec", "@every 5s")
	v.SetDefault("scheduler.startup_poll", "5s")
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.email.enabled", false)
	v.SetDefault("notify.email.port", 587)

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
