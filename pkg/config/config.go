// Package config は通知サービスの設定を読み込む。
//
// 設定ファイル（YAML）、.envファイル、環境変数の順に上書きされる。
// 環境変数は "APP_" プレフィックスを持ち、キーの "." を "_" に置き換えた名前で指定する
// （例: database.dsn → APP_DATABASE_DSN）。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config はサービス全体の設定。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Store         StoreConfig         `mapstructure:"store"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Redis         RedisConfig         `mapstructure:"redis"`
	WebSocket     WebSocketConfig     `mapstructure:"websocket"`
	EventStore    EventStoreConfig    `mapstructure:"eventstore"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string `mapstructure:"port"`
	// AllowedOrigins はCORSとWebSocketで許可するオリジン。空なら全て許可する。
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig はJWT検証の設定。
type AuthConfig struct {
	// JWTSecret はHS256署名の検証鍵。
	JWTSecret string `mapstructure:"jwt_secret"`
}

// DatabaseConfig は通知ストアの接続設定。
type DatabaseConfig struct {
	// Driver は "sqlite" または "postgres"。
	Driver string `mapstructure:"driver"`
	// DSN はドライバに渡す接続文字列。
	DSN string `mapstructure:"dsn"`
	// MaxOpenConns は最大接続数。
	MaxOpenConns int `mapstructure:"max_open_conns"`
}

// StoreConfig は通知ストア呼び出しの設定。
type StoreConfig struct {
	// Timeout はストア呼び出し1回あたりの上限時間。超過は永続化失敗として扱う。
	Timeout time.Duration `mapstructure:"timeout"`
}

// NotificationsConfig は通知一覧APIの設定。
type NotificationsConfig struct {
	// PageSize は page_size 未指定時の件数。
	PageSize int `mapstructure:"page_size"`
	// MaxPageSize は page_size の上限。
	MaxPageSize int `mapstructure:"max_page_size"`
}

// RedisConfig は未読件数キャッシュの設定。Addressが空ならキャッシュを使用しない。
type RedisConfig struct {
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CountTTL time.Duration `mapstructure:"count_ttl"`
}

// Enabled はRedisキャッシュが設定されていればtrueを返す。
func (r RedisConfig) Enabled() bool {
	return r.Address != ""
}

// WebSocketConfig はリアルタイム接続の設定。
type WebSocketConfig struct {
	// SendBuffer は接続ごとの送信バッファ長。溢れたメッセージはその接続に対して破棄する。
	SendBuffer int `mapstructure:"send_buffer"`
	// WriteWait は1回の書き込みの上限時間。
	WriteWait time.Duration `mapstructure:"write_wait"`
	// PongWait はpongを待つ上限時間。pingはこの9割の間隔で送る。
	PongWait time.Duration `mapstructure:"pong_wait"`
	// MaxMessageSize は受信メッセージの最大バイト数。
	MaxMessageSize int64 `mapstructure:"max_message_size"`
}

// EventStoreConfig は監査イベントの送信先。URLが空なら送信しない。
type EventStoreConfig struct {
	URL string `mapstructure:"url"`
}

// LoggingConfig はロガーの設定。
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load は設定を読み込む。pathが空の場合は ./configs と カレントディレクトリの
// config.yaml を探し、見つからなければデフォルト値と環境変数のみで構成する。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf(".envファイルの読み込みに失敗: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定の展開に失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正です: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8086")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("auth.jwt_secret", "dev-secret-key")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "/data/notification.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	v.SetDefault("database.max_open_conns", 10)

	v.SetDefault("store.timeout", 5*time.Second)

	v.SetDefault("notifications.page_size", 10)
	v.SetDefault("notifications.max_page_size", 100)

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.count_ttl", time.Minute)

	v.SetDefault("websocket.send_buffer", 64)
	v.SetDefault("websocket.write_wait", 10*time.Second)
	v.SetDefault("websocket.pong_wait", 60*time.Second)
	v.SetDefault("websocket.max_message_size", 64*1024)

	v.SetDefault("eventstore.url", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port が空です"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret が空です"))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver が未対応です: %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn が空です"))
	}
	if c.Store.Timeout <= 0 {
		errs = append(errs, errors.New("store.timeout は正の値が必要です"))
	}
	if c.Notifications.PageSize <= 0 {
		errs = append(errs, errors.New("notifications.page_size は正の値が必要です"))
	}
	if c.Notifications.MaxPageSize < c.Notifications.PageSize {
		errs = append(errs, errors.New("notifications.max_page_size は page_size 以上が必要です"))
	}
	if c.WebSocket.SendBuffer <= 0 {
		errs = append(errs, errors.New("websocket.send_buffer は正の値が必要です"))
	}
	if c.WebSocket.PongWait <= 0 || c.WebSocket.WriteWait <= 0 {
		errs = append(errs, errors.New("websocket.pong_wait と websocket.write_wait は正の値が必要です"))
	}

	return errors.Join(errs...)
}
