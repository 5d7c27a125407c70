package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xela07ax/agentguard/internal/domain"
	"github.com/xela07ax/agentguard/internal/engine"
)

// Адреса Celo mainnet: брокер Mento и стейблы, разрешенные для свопа через него.
const (
	MentoBroker = "0x777A8255cA72412f0d706dc03C9D1987306B4CaD"
	CeloUSD     = "0x765DE816845861e75A25fCA122bb6898B8B1282a"
	CeloEUR     = "0xD8763CBa276a3738E6DE85b4b3bF5FDed6D6cA73"
	CeloREAL    = "0xe8537a3d056DA446677B9E9d6c5dB704EaAb4787"
)

// Config — корневая структура конфигурации шлюза.
type Config struct {
	Server    ServerConfig                `mapstructure:"server"`
	Console   ServerConfig                `mapstructure:"console"`
	Metrics   MetricsConfig               `mapstructure:"metrics"`
	GRPC      GRPCConfig                  `mapstructure:"grpc"`
	Database  DatabaseConfig              `mapstructure:"database"`
	Redis     RedisConfig                 `mapstructure:"redis"`
	Store     StoreConfig                 `mapstructure:"store"`
	Auth      AuthConfig                  `mapstructure:"auth"`
	Vault     VaultConfig                 `mapstructure:"vault"`
	RateLimit domain.RateLimits           `mapstructure:"ratelimit"`
	Venues    map[string]engine.VenueSpec `mapstructure:"venues"`
	Broadcast BroadcastConfig             `mapstructure:"broadcast"`
	Audit     AuditConfig                 `mapstructure:"audit"`
	Logger    LoggerConfig                `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL (журнал аудита).
// Пустой URL — аудит пишется в лог.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (сторы и Pub/Sub отзывов).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// StoreConfig — где живут учетные записи, гранты и окна лимитера.
// memory годится только для одного инстанса.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// AuthConfig содержит пути к RSA ключам и операторов консоли.
type AuthConfig struct {
	PublicKeyPath  string            `mapstructure:"public_key_path"`
	PrivateKeyPath string            `mapstructure:"private_key_path"`
	TokenTTL       time.Duration     `mapstructure:"token_ttl"`
	BcryptCost     int               `mapstructure:"bcrypt_cost"`
	Operators      []domain.Operator `mapstructure:"operators"`
	PublicKey      []byte
	PrivateKey     []byte
}

// VaultConfig — откуда брать мастер-ключ. Файл приоритетнее переменной.
type VaultConfig struct {
	MasterKeyEnv  string `mapstructure:"master_key_env"`
	MasterKeyFile string `mapstructure:"master_key_file"`
}

// BroadcastConfig — исходящий канал к подписанту.
type BroadcastConfig struct {
	engine.ReliabilityConfig `mapstructure:",squash"`
	MockMinLatency           time.Duration `mapstructure:"mock_min_latency"`
	MockMaxLatency           time.Duration `mapstructure:"mock_max_latency"`
	MockFailVenues           []string      `mapstructure:"mock_fail_venues"` // mock-подписант здесь всегда падает
}

type AuditConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// SERVER_ADDR=:9000 перекроет server.addr
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// PEM-ключ может прийти прямо в ENV (Docker/K8s), иначе читаем файл
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate отсекает конфигурации, с которыми шлюз не должен стартовать.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if !c.RateLimit.Valid() {
		return fmt.Errorf("config: %w", domain.ErrInvalidLimits)
	}
	if c.Vault.MasterKeyEnv == "" && c.Vault.MasterKeyFile == "" {
		return errors.New("config: vault master key source is not set")
	}
	for _, name := range []string{domain.VenueMento, domain.VenueRouter} {
		if _, ok := c.Venues[name]; !ok {
			return fmt.Errorf("config: venue %q is not configured", name)
		}
	}
	if _, err := engine.ParseVenues(c.Venues); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for _, name := range c.Broadcast.MockFailVenues {
		if _, ok := c.Venues[name]; !ok {
			return fmt.Errorf("config: broadcast.mock_fail_venues: venue %q is not configured", name)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("console.addr", ":8000")
	v.SetDefault("console.read_timeout", 5*time.Second)
	v.SetDefault("console.write_timeout", 10*time.Second)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("grpc.addr", ":50052")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("store.backend", StoreRedis)

	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("auth.private_key_path", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)

	v.SetDefault("vault.master_key_env", "AGENT_MASTER_KEY")
	v.SetDefault("vault.master_key_file", "")

	v.SetDefault("ratelimit.per_minute", domain.DefaultRateLimits.PerMinute)
	v.SetDefault("ratelimit.per_hour", domain.DefaultRateLimits.PerHour)
	v.SetDefault("ratelimit.per_day", domain.DefaultRateLimits.PerDay)

	v.SetDefault("venues.mento.target", MentoBroker)
	v.SetDefault("venues.mento.selector", "swapIn(address,address,address,uint256,uint256)")
	v.SetDefault("venues.mento.allowed_assets", []string{CeloUSD, CeloEUR, CeloREAL})
	// Адрес собственного роутера у каждой инсталляции свой: VENUES_ROUTER_TARGET
	v.SetDefault("venues.router.target", "")
	v.SetDefault("venues.router.selector", "swap(address,address,uint256,uint256)")

	rc := engine.DefaultReliabilityConfig()
	v.SetDefault("broadcast.name", rc.Name)
	v.SetDefault("broadcast.cb_max_requests", rc.MaxRequests)
	v.SetDefault("broadcast.cb_interval", rc.Interval)
	v.SetDefault("broadcast.cb_timeout", rc.Timeout)
	v.SetDefault("broadcast.cb_consecutive_failures", rc.ConsecutiveFailures)
	v.SetDefault("broadcast.retry_attempts", rc.Attempts)
	v.SetDefault("broadcast.call_timeout", rc.CallTimeout)
	v.SetDefault("broadcast.rps", rc.RPS)
	v.SetDefault("broadcast.burst", rc.Burst)
	v.SetDefault("broadcast.mock_min_latency", 50*time.Millisecond)
	v.SetDefault("broadcast.mock_max_latency", 200*time.Millisecond)
	v.SetDefault("broadcast.mock_fail_venues", []string{})

	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", 500*time.Millisecond)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource — ключ из ENV (PEM целиком) или из файла по пути из конфига.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
