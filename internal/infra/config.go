package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
)

// Config: корневая структура конфигурации оркестратора.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Driver       DriverConfig       `mapstructure:"driver"`
	Alerts       AlertsConfig       `mapstructure:"alerts"`
	Logger       LoggerConfig       `mapstructure:"logger"`
}

// ServerConfig описывает настройки ops API.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL (история сессий и журнал событий).
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (команды, блок-лист, лидерство, хранилище).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и операторов ops API.
type AuthConfig struct {
	PublicKeyPath  string            `mapstructure:"public_key_path"`
	PrivateKeyPath string            `mapstructure:"private_key_path"`
	TokenTTL       time.Duration     `mapstructure:"token_ttl"`
	Operators      []domain.Operator `mapstructure:"operators"`
	PublicKey      []byte
	PrivateKey     []byte
}

// OrchestratorConfig задает параметры ядра: емкость, пул точек, lifecycle сессий.
type OrchestratorConfig struct {
	TotalCapacity  int    `mapstructure:"total_capacity"`
	PerEndpointMax int    `mapstructure:"per_endpoint_max"`
	DefaultShift   string `mapstructure:"default_shift"`

	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`

	// Пул точек выхода
	ProbeURL         string        `mapstructure:"probe_url"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	RecheckDelay     time.Duration `mapstructure:"recheck_delay"`
	EvictAfter       int           `mapstructure:"evict_after"`
	RefreshEndpoints time.Duration `mapstructure:"refresh_endpoints"`

	// Сессии
	HeartbeatFlushInterval time.Duration `mapstructure:"heartbeat_flush_interval"`
	StaleAfter             time.Duration `mapstructure:"stale_after"`
	RestartUnhealthyAfter  time.Duration `mapstructure:"restart_unhealthy_after"`
	WatchdogInterval       time.Duration `mapstructure:"watchdog_interval"`
	ShutdownTimeout        time.Duration `mapstructure:"shutdown_timeout"`
	SessionLength          time.Duration `mapstructure:"session_length"`

	// Хранилище записей сессий: file | redis | postgres
	Persistence string `mapstructure:"persistence"`
	DataDir     string `mapstructure:"data_dir"`

	// Лидерство через Redis (несколько инстансов на одном хранилище)
	LeaderElection bool          `mapstructure:"leader_election"`
	LeaderTTL      time.Duration `mapstructure:"leader_ttl"`

	Shifts    []domain.Shift   `mapstructure:"shifts"`
	Endpoints []EndpointConfig `mapstructure:"endpoints"`
	Accounts  []string         `mapstructure:"accounts"`
	Profiles  []string         `mapstructure:"profiles"`
}

// EndpointConfig: кандидат в пул в виде, в котором он лежит в конфиге.
type EndpointConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Transport string `mapstructure:"transport"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// DriverConfig: подключение к коллаборатору автоматизации и параметры надежности.
type DriverConfig struct {
	Mode    string `mapstructure:"mode"` // grpc | simulated
	Addr    string `mapstructure:"addr"`
	Token   string `mapstructure:"token"`
	Service string `mapstructure:"service"`

	StartRate  float64 `mapstructure:"start_rate"`  // стартов в секунду
	StartBurst int     `mapstructure:"start_burst"` // размер всплеска

	RetryAttempts uint `mapstructure:"retry_attempts"`

	// Настройки Circuit Breaker
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBTrip        uint32        `mapstructure:"cb_trip"`
}

type AlertsConfig struct {
	Sink           string   `mapstructure:"sink"` // log | redis
	CriticalEvents []string `mapstructure:"critical_events"`
	BufferSize     int      `mapstructure:"buffer_size"`
	EventBuffer    int      `mapstructure:"event_buffer"`
	RecentEvents   int      `mapstructure:"recent_events"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// path может быть пустым: тогда ищем config.yaml в . и ./configs.
func LoadConfig(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decodeConfig(v)
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// ORCHESTRATOR_TOTAL_CAPACITY=200 перекроет orchestrator.total_capacity
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) && !(path != "" && errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет: работаем на ENV и дефолтах
	}

	return v, nil
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("orchestrator.total_capacity", 100)
	v.SetDefault("orchestrator.per_endpoint_max", 3)
	v.SetDefault("orchestrator.reconcile_interval", 5*time.Minute)
	v.SetDefault("orchestrator.probe_url", "https://www.gstatic.com/generate_204")
	v.SetDefault("orchestrator.probe_timeout", 10*time.Second)
	v.SetDefault("orchestrator.recheck_delay", 5*time.Minute)
	v.SetDefault("orchestrator.evict_after", 3)
	v.SetDefault("orchestrator.refresh_endpoints", time.Hour)
	v.SetDefault("orchestrator.heartbeat_flush_interval", 30*time.Second)
	v.SetDefault("orchestrator.stale_after", 2*time.Minute)
	v.SetDefault("orchestrator.restart_unhealthy_after", 5*time.Minute)
	v.SetDefault("orchestrator.watchdog_interval", 30*time.Second)
	v.SetDefault("orchestrator.shutdown_timeout", 30*time.Second)
	v.SetDefault("orchestrator.session_length", 4*time.Hour)
	v.SetDefault("orchestrator.persistence", "file")
	v.SetDefault("orchestrator.data_dir", "./data/sessions")
	v.SetDefault("orchestrator.leader_ttl", 15*time.Second)

	v.SetDefault("driver.mode", "simulated")
	v.SetDefault("driver.service", "automation.v1.AutomationDriver")
	v.SetDefault("driver.start_rate", 5)
	v.SetDefault("driver.start_burst", 10)
	v.SetDefault("driver.retry_attempts", 3)
	v.SetDefault("driver.cb_max_requests", 3)
	v.SetDefault("driver.cb_interval", 5*time.Second)
	v.SetDefault("driver.cb_timeout", 30*time.Second)
	v.SetDefault("driver.cb_trip", 5)

	v.SetDefault("alerts.sink", "log")
	v.SetDefault("alerts.buffer_size", 256)
	v.SetDefault("alerts.event_buffer", 10000)
	v.SetDefault("alerts.recent_events", 500)
}

// loadKeyResource: ключ либо прямо в ENV (Docker/K8s), либо файлом по пути из конфига.
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
