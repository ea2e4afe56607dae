package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App   AppConfig
	DB    DBConfig
	Redis RedisConfig
	Auth  AuthConfig
	NATS  NATSConfig
	Calls CallsConfig
	Push  PushConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	// Driver is the database/sql driver name: pgx (Postgres) or sqlite.
	Driver string

	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// Path is the sqlite file (or ":memory:") when Driver is sqlite.
	Path string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// NATSConfig is optional. An empty URL runs the process single-instance.
type NATSConfig struct {
	URL  string
	Name string
}

type CallsConfig struct {
	RingTimeout   time.Duration
	JoinTimeout   time.Duration
	SweepInterval time.Duration
	PresenceTTL   time.Duration
	ArchiveAfter  time.Duration
}

type PushConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Driver = strings.TrimSpace(os.Getenv("DB_DRIVER"))
	c.DB.Path = strings.TrimSpace(os.Getenv("DB_PATH"))
	if c.DB.Driver != DriverSQLite {
		c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
		{
			n, err := mustInt("DB_PORT")
			n, parseErrs = appendParseErr(parseErrs, n, err)
			c.DB.Port = n
		}
		c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
		c.DB.Password = os.Getenv("DB_PASSWORD")
		c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
		c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in applyDefaults() based on env.
	c.Auth.AccessTokenTTL, parseErrs = optionalDuration(parseErrs, "JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL, parseErrs = optionalDuration(parseErrs, "JWT_REFRESH_TTL")

	c.NATS.URL = strings.TrimSpace(os.Getenv("NATS_URL"))
	c.NATS.Name = strings.TrimSpace(os.Getenv("NATS_NAME"))

	c.Calls.RingTimeout, parseErrs = optionalDuration(parseErrs, "CALL_RING_TIMEOUT")
	c.Calls.JoinTimeout, parseErrs = optionalDuration(parseErrs, "CALL_JOIN_TIMEOUT")
	c.Calls.SweepInterval, parseErrs = optionalDuration(parseErrs, "CALL_SWEEP_INTERVAL")
	c.Calls.PresenceTTL, parseErrs = optionalDuration(parseErrs, "CALL_PRESENCE_TTL")
	c.Calls.ArchiveAfter, parseErrs = optionalDuration(parseErrs, "CALL_ARCHIVE_AFTER")

	c.Push.Workers, parseErrs = optionalInt(parseErrs, "PUSH_WORKERS")
	c.Push.QueueSize, parseErrs = optionalInt(parseErrs, "PUSH_QUEUE_SIZE")
	c.Push.MaxAttempts, parseErrs = optionalInt(parseErrs, "PUSH_MAX_ATTEMPTS")
	c.Push.BaseDelay, parseErrs = optionalDuration(parseErrs, "PUSH_BASE_DELAY")
	c.Push.MaxDelay, parseErrs = optionalDuration(parseErrs, "PUSH_MAX_DELAY")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// applyDefaults fills optional values. Production must still be explicit where Validate says so.
func (c *Config) applyDefaults() {
	if c.DB.Driver == "" {
		c.DB.Driver = DriverPostgres
	}
	if c.DB.Driver == DriverPostgres && c.DB.SSLMode == "" && !c.IsProduction() {
		// Local-friendly default; production must be explicit.
		c.DB.SSLMode = "disable"
	}
	if c.DB.Driver == DriverSQLite && c.DB.Path == "" {
		c.DB.Path = ":memory:"
	}

	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		// Default: longer-lived refresh tokens.
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}

	if c.NATS.Name == "" {
		c.NATS.Name = "call-coordinator"
	}

	if c.Calls.RingTimeout <= 0 {
		c.Calls.RingTimeout = 45 * time.Second
	}
	if c.Calls.JoinTimeout <= 0 {
		c.Calls.JoinTimeout = 30 * time.Second
	}
	if c.Calls.SweepInterval <= 0 {
		c.Calls.SweepInterval = 5 * time.Second
	}
	if c.Calls.PresenceTTL <= 0 {
		c.Calls.PresenceTTL = 6 * time.Hour
	}
	if c.Calls.ArchiveAfter <= 0 {
		c.Calls.ArchiveAfter = 10 * time.Minute
	}

	if c.Push.Workers <= 0 {
		c.Push.Workers = 4
	}
	if c.Push.QueueSize <= 0 {
		c.Push.QueueSize = 256
	}
	if c.Push.MaxAttempts <= 0 {
		c.Push.MaxAttempts = 4
	}
	if c.Push.BaseDelay <= 0 {
		c.Push.BaseDelay = 200 * time.Millisecond
	}
	if c.Push.MaxDelay <= 0 {
		c.Push.MaxDelay = 5 * time.Second
	}
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	switch c.DB.Driver {
	case DriverSQLite:
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_DRIVER sqlite is not allowed in production"))
		}
	case DriverPostgres, "":
		if c.DB.Host == "" {
			errs = append(errs, errors.New("DB_HOST is required"))
		}
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
			}
		} else if !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be one of pgx, sqlite, got %q", c.DB.Driver))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
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
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Calls.RingTimeout <= 0 {
		errs = append(errs, errors.New("CALL_RING_TIMEOUT must be > 0"))
	}
	if c.Calls.SweepInterval <= 0 {
		errs = append(errs, errors.New("CALL_SWEEP_INTERVAL must be > 0"))
	} else if c.Calls.SweepInterval >= c.Calls.RingTimeout {
		errs = append(errs, errors.New("CALL_SWEEP_INTERVAL must be shorter than CALL_RING_TIMEOUT"))
	}
	if c.Calls.PresenceTTL <= c.Calls.RingTimeout {
		errs = append(errs, errors.New("CALL_PRESENCE_TTL must be greater than CALL_RING_TIMEOUT"))
	}

	if c.Push.Workers <= 0 || c.Push.QueueSize <= 0 || c.Push.MaxAttempts <= 0 {
		errs = append(errs, errors.New("PUSH_WORKERS, PUSH_QUEUE_SIZE and PUSH_MAX_ATTEMPTS must be > 0"))
	}
	if c.Push.MaxDelay < c.Push.BaseDelay {
		errs = append(errs, errors.New("PUSH_MAX_DELAY must be >= PUSH_BASE_DELAY"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
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

func optionalInt(errs []error, key string) (int, []error) {
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

func optionalDuration(errs []error, key string) (time.Duration, []error) {
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
