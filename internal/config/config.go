package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// Values come from the environment; a .env file in the working directory is loaded first when present.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Twilio    TwilioConfig
	Dispatch  DispatchConfig
	IVR       IVRConfig
	Transfer  TransferConfig
	Analytics AnalyticsConfig
}

type AppConfig struct {
	Env      string
	Port     int
	LogLevel string

	// StoreBackend selects where agent capacity, queue membership and service history live.
	// Accepts: memory, redis
	StoreBackend string
}

type DBConfig struct {
	// Host is optional outside production; without it queues, menus, scripts,
	// agents and transfer records are kept in memory.
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host      string
	Port      int
	KeyPrefix string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID    string
	AuthToken     string
	WebhookSecret string
	APIBaseURL    string
	// PublicBaseURL is the externally reachable base for gather/status callbacks.
	PublicBaseURL string
	// CallerID is the From number on transfer and conference legs.
	CallerID string
}

type DispatchConfig struct {
	Tick                time.Duration
	Workers             int
	FallbackServiceTime time.Duration
	HistoryWindow       int
	ClosedCooldown      time.Duration
}

type IVRConfig struct {
	WebhookTimeout  time.Duration
	SessionTTL      time.Duration
	PromptAllowance time.Duration
}

type TransferConfig struct {
	RingTimeout time.Duration
}

type AnalyticsConfig struct {
	RabbitURL   string
	RabbitQueue string
	Buffer      int
}

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

func Load() (Config, error) {
	_ = godotenv.Load()

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	c.App.StoreBackend = strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND")))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	if c.DB.Host != "" {
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if c.Redis.Host != "" {
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.KeyPrefix = strings.TrimSpace(os.Getenv("REDIS_KEY_PREFIX"))

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL, parseErrs = optDuration(parseErrs, "JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL, parseErrs = optDuration(parseErrs, "JWT_REFRESH_TTL")

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.WebhookSecret = os.Getenv("TWILIO_WEBHOOK_SECRET")
	c.Twilio.APIBaseURL = strings.TrimSpace(os.Getenv("TWILIO_API_BASE_URL"))
	c.Twilio.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("TWILIO_PUBLIC_BASE_URL")), "/")
	c.Twilio.CallerID = strings.TrimSpace(os.Getenv("TWILIO_CALLER_ID"))

	c.Dispatch.Tick, parseErrs = optDuration(parseErrs, "DISPATCH_TICK")
	c.Dispatch.Workers, parseErrs = optInt(parseErrs, "DISPATCH_WORKERS")
	c.Dispatch.FallbackServiceTime, parseErrs = optDuration(parseErrs, "DISPATCH_FALLBACK_SERVICE_TIME")
	c.Dispatch.HistoryWindow, parseErrs = optInt(parseErrs, "DISPATCH_HISTORY_WINDOW")
	c.Dispatch.ClosedCooldown, parseErrs = optDuration(parseErrs, "DISPATCH_CLOSED_COOLDOWN")

	c.IVR.WebhookTimeout, parseErrs = optDuration(parseErrs, "IVR_WEBHOOK_TIMEOUT")
	c.IVR.SessionTTL, parseErrs = optDuration(parseErrs, "SESSION_TTL")
	c.IVR.PromptAllowance, parseErrs = optDuration(parseErrs, "IVR_PROMPT_ALLOWANCE")

	c.Transfer.RingTimeout, parseErrs = optDuration(parseErrs, "TRANSFER_RING_TIMEOUT")

	c.Analytics.RabbitURL = strings.TrimSpace(os.Getenv("RABBITMQ_URL"))
	c.Analytics.RabbitQueue = strings.TrimSpace(os.Getenv("RABBITMQ_QUEUE"))
	c.Analytics.Buffer, parseErrs = optInt(parseErrs, "ANALYTICS_BUFFER")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate applies defaults in place and reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.StoreBackend == "" {
		c.App.StoreBackend = StoreMemory
	}
	switch c.App.StoreBackend {
	case StoreMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_BACKEND=memory is not allowed in production"))
		}
	case StoreRedis:
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required when STORE_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be one of memory, redis, got %q", c.App.StoreBackend))
	}

	if c.DB.Host == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_HOST is required in production"))
		}
	} else {
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required"))
		}
		if c.DB.SSLMode == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "cc"
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Twilio.APIBaseURL == "" {
		c.Twilio.APIBaseURL = "https://api.twilio.com"
	}

	if c.Dispatch.Tick <= 0 {
		c.Dispatch.Tick = time.Second
	}
	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = 4
	}
	if c.Dispatch.FallbackServiceTime <= 0 {
		c.Dispatch.FallbackServiceTime = 300 * time.Second
	}
	if c.Dispatch.HistoryWindow <= 0 {
		c.Dispatch.HistoryWindow = 50
	}
	if c.Dispatch.ClosedCooldown <= 0 {
		c.Dispatch.ClosedCooldown = 30 * time.Second
	}

	if c.IVR.WebhookTimeout <= 0 {
		c.IVR.WebhookTimeout = 5 * time.Second
	}
	if c.IVR.PromptAllowance <= 0 {
		c.IVR.PromptAllowance = 30 * time.Second
	}
	if c.IVR.SessionTTL <= 0 {
		c.IVR.SessionTTL = 2 * time.Hour
	}
	if c.Transfer.RingTimeout <= 0 {
		c.Transfer.RingTimeout = 30 * time.Second
	}

	if c.Analytics.RabbitQueue == "" {
		c.Analytics.RabbitQueue = "callcenter_events"
	}
	if c.Analytics.Buffer <= 0 {
		c.Analytics.Buffer = 1024
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// HasPostgres reports whether durable repositories should use Postgres.
func (c Config) HasPostgres() bool {
	return c.DB.Host != ""
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(errs []error, key string) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

// optDuration returns 0 when unset; Validate applies the default.
func optDuration(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
