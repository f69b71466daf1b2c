// Package config は各サービスの設定を環境変数から読み込む。
//
// 設定は起動時に一度だけ読み込み、不変の値としてポインタで各コンポーネントに渡す。
// すべての項目に開発用のデフォルト値があり、環境変数で上書きできる。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvDevelopment は開発環境を表すAPP_ENVの値。
const EnvDevelopment = "development"

// EnvProduction は本番環境を表すAPP_ENVの値。
const EnvProduction = "production"

// defaultJWTSecret は開発用のJWT署名鍵。本番環境では使用できない。
const defaultJWTSecret = "change-me-in-production"

// Redis はキャッシュ用Redisの接続設定。
type Redis struct {
	Host       string        `env:"REDIS_HOST" envDefault:"redis"`
	Port       int           `env:"REDIS_PORT" envDefault:"6379"`
	Password   string        `env:"REDIS_PASSWORD"`
	DefaultTTL time.Duration `env:"REDIS_TTL_DEFAULT" envDefault:"3600s"`
}

// Addr は host:port 形式のアドレスを返す。
func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Gateway はAPI Gatewayの設定。
type Gateway struct {
	Port        string `env:"PORT" envDefault:"8000"`
	AppName     string `env:"APP_NAME" envDefault:"Plant Analytics API Gateway"`
	AppVersion  string `env:"APP_VERSION" envDefault:"2.0.0"`
	Environment string `env:"APP_ENV" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// BackendURL はデータAPIのベースURL。
	BackendURL string `env:"BACKEND_URL" envDefault:"http://backend-api:3000"`
	// AuthServiceURL は認証サービスのベースURL。
	AuthServiceURL string `env:"AUTH_SERVICE_URL" envDefault:"http://auth-service:5000"`
	// CORSOrigin はフロントエンドのオリジン。カンマ区切りで複数指定できる。
	CORSOrigin []string `env:"CORS_ORIGIN" envDefault:"http://localhost:4000" envSeparator:","`
	// GatewaySource は転送時に付与するx-gateway-sourceヘッダーの値。
	GatewaySource string `env:"GATEWAY_SOURCE" envDefault:"plant-analytics-gateway"`

	VerifyTimeout time.Duration `env:"VERIFY_TIMEOUT" envDefault:"3s"`
	ProxyTimeout  time.Duration `env:"PROXY_TIMEOUT" envDefault:"5s"`
	// ProxyRetries はGET/HEADの転送で通信エラー時に再試行する回数。
	ProxyRetries int `env:"PROXY_RETRIES" envDefault:"1"`
	// MaxRequestBytes は転送するリクエストボディの上限。超えた場合は413を返す。
	MaxRequestBytes int64 `env:"MAX_REQUEST_BODY_BYTES" envDefault:"10485760"`
	// MaxResponseBytes は中継するレスポンスボディの上限。超えた場合は502を返す。
	MaxResponseBytes int64 `env:"MAX_RESPONSE_BODY_BYTES" envDefault:"33554432"`

	RateLimitWindow      time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	RateLimitMaxRequests int           `env:"RATE_LIMIT_MAX_REQUESTS" envDefault:"100"`
	AuthRateLimitMax     int           `env:"AUTH_RATE_LIMIT_MAX_REQUESTS" envDefault:"10"`

	CacheEnabled bool `env:"CACHE_ENABLED" envDefault:"true"`
	Redis        Redis
}

// Validate はGateway設定の整合性を検証する。
func (c *Gateway) Validate() error {
	if c.Port == "" {
		return errors.New("PORTが空です")
	}
	if c.BackendURL == "" || c.AuthServiceURL == "" {
		return errors.New("BACKEND_URLとAUTH_SERVICE_URLは必須です")
	}
	if c.GatewaySource == "" {
		return errors.New("GATEWAY_SOURCEが空です")
	}
	if c.VerifyTimeout <= 0 || c.ProxyTimeout <= 0 {
		return errors.New("VERIFY_TIMEOUTとPROXY_TIMEOUTは正の値である必要があります")
	}
	if c.ProxyRetries < 0 {
		return errors.New("PROXY_RETRIESは0以上である必要があります")
	}
	if c.MaxRequestBytes <= 0 || c.MaxResponseBytes <= 0 {
		return errors.New("MAX_REQUEST_BODY_BYTESとMAX_RESPONSE_BODY_BYTESは正の値である必要があります")
	}
	if c.RateLimitWindow <= 0 || c.RateLimitMaxRequests <= 0 || c.AuthRateLimitMax <= 0 {
		return errors.New("レート制限の設定は正の値である必要があります")
	}
	return nil
}

// Auth は認証サービスの設定。
type Auth struct {
	Port        string `env:"PORT" envDefault:"5000"`
	Environment string `env:"APP_ENV" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	JWTSecret  string        `env:"JWT_SECRET" envDefault:"change-me-in-production"`
	TokenTTL   time.Duration `env:"TOKEN_TTL" envDefault:"1h"`
	BcryptCost int           `env:"BCRYPT_COST" envDefault:"12"`

	// UserStore はユーザーストアの種類。"sqlite" または "postgres"。
	UserStore  string `env:"USER_STORE" envDefault:"sqlite"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"/data/auth.db"`
	Postgres   Postgres

	CORSOrigin []string `env:"CORS_ORIGIN" envDefault:"*" envSeparator:","`
}

// Postgres はPostgreSQLの接続設定。
type Postgres struct {
	Host     string `env:"POSTGRES_HOST" envDefault:"postgres"`
	Port     int    `env:"POSTGRES_PORT" envDefault:"5432"`
	User     string `env:"POSTGRES_USER" envDefault:"plantuser"`
	Password string `env:"POSTGRES_PASSWORD" envDefault:"plantpassword123"`
	Database string `env:"POSTGRES_DB" envDefault:"plant_analytics"`
}

// DSN はpgxで使用する接続文字列を返す。
func (p Postgres) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", p.User, p.Password, p.Host, p.Port, p.Database)
}

// Validate は認証サービス設定の整合性を検証する。
func (c *Auth) Validate() error {
	if c.Port == "" {
		return errors.New("PORTが空です")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRETが空です")
	}
	if c.Environment == EnvProduction && c.JWTSecret == defaultJWTSecret {
		return errors.New("本番環境ではデフォルトのJWT_SECRETを使用できません")
	}
	if c.TokenTTL <= 0 {
		return errors.New("TOKEN_TTLは正の値である必要があります")
	}
	switch c.UserStore {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("USER_STOREの値が不正です: %q", c.UserStore)
	}
	return nil
}

// Plants はデータAPIの設定。
type Plants struct {
	Port          string   `env:"PORT" envDefault:"3000"`
	Environment   string   `env:"APP_ENV" envDefault:"development"`
	LogLevel      string   `env:"LOG_LEVEL" envDefault:"info"`
	SQLitePath    string   `env:"SQLITE_PATH" envDefault:"/data/plants.db"`
	GatewaySource string   `env:"GATEWAY_SOURCE" envDefault:"plant-analytics-gateway"`
	CORSOrigin    []string `env:"CORS_ORIGIN" envDefault:"*" envSeparator:","`
}

// IsDevelopment は開発環境で動作しているかを返す。
func (c *Plants) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// Validate はデータAPI設定の整合性を検証する。
func (c *Plants) Validate() error {
	if c.Port == "" {
		return errors.New("PORTが空です")
	}
	if c.GatewaySource == "" {
		return errors.New("GATEWAY_SOURCEが空です")
	}
	return nil
}

// validator は読み込み後に整合性を検証できる設定。
type validator interface {
	Validate() error
}

// Load は.envファイル（存在する場合）と環境変数からtargetを読み込み、検証する。
func Load(target validator) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf(".envの読み込みに失敗: %w", err)
	}
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("環境変数の解析に失敗: %w", err)
	}
	return target.Validate()
}

// LoadGateway はGatewayの設定を読み込む。
func LoadGateway() (*Gateway, error) {
	cfg := &Gateway{}
	if err := Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAuth は認証サービスの設定を読み込む。
func LoadAuth() (*Auth, error) {
	cfg := &Auth{}
	if err := Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadPlants はデータAPIの設定を読み込む。
func LoadPlants() (*Plants, error) {
	cfg := &Plants{}
	if err := Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
