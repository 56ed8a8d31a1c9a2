package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "PIXELQ_CONFIG_PATH"

type Config struct {
	Port                    int     `yaml:"port"`
	WorkerPort              int     `yaml:"workerPort"`
	AutoListen              bool    `yaml:"autoListen"`
	OutputDir               string  `yaml:"outputDir"`
	StoreProvider           string  `yaml:"storeProvider"`
	SqlitePath              string  `yaml:"sqlitePath"`
	RedisAddr               string  `yaml:"redisAddr"`
	RedisPassword           string  `yaml:"redisPassword"`
	HeartbeatTimeoutSeconds int     `yaml:"heartbeatTimeoutSeconds"`
	SweepIntervalSeconds    int     `yaml:"sweepIntervalSeconds"`
	ResultPrefix            string  `yaml:"resultPrefix"`
	MaxPacketBytes          int64   `yaml:"maxPacketBytes"`
	WriteTimeoutSeconds     int     `yaml:"writeTimeoutSeconds"`
	Timezone                string  `yaml:"timezone"`
	LogLevel                string  `yaml:"logLevel"`
	LogFormat               string  `yaml:"logFormat"`
	LogFile                 string  `yaml:"logFile"`
	Env                     string  `yaml:"env"`
	TracingEnabled          bool    `yaml:"tracingEnabled"`
	OTLPEndpoint            string  `yaml:"otlpEndpoint"`
	OTLPInsecure            bool    `yaml:"otlpInsecure"`
	TraceSampleRatio        float64 `yaml:"traceSampleRatio"`
}

// LoadConfig reads the file at filePath, applies environment overrides and defaults.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.applyEnv()
	c.applyDefaults()
	c.logSummary()
	return &c, nil
}

// LoadConfigOptional behaves like LoadConfig but treats an empty path or a
// missing file as an empty document.
func LoadConfigOptional(filePath string) (*Config, error) {
	if strings.TrimSpace(filePath) == "" {
		return fromEnv(), nil
	}
	cfg, err := LoadConfig(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return fromEnv(), nil
	}
	return cfg, err
}

func fromEnv() *Config {
	var c Config
	c.applyEnv()
	c.applyDefaults()
	c.logSummary()
	return &c
}

func (c *Config) applyEnv() {
	envInt("PORT", &c.Port)
	envInt("WORKER_PORT", &c.WorkerPort)
	envBool("AUTO_LISTEN", &c.AutoListen)
	envString("OUTPUT_DIR", &c.OutputDir)
	envString("STORE_PROVIDER", &c.StoreProvider)
	envString("SQLITE_PATH", &c.SqlitePath)
	envString("REDIS_ADDR", &c.RedisAddr)
	envString("REDIS_PASSWORD", &c.RedisPassword)
	envInt("HEARTBEAT_TIMEOUT_SECONDS", &c.HeartbeatTimeoutSeconds)
	envInt("SWEEP_INTERVAL_SECONDS", &c.SweepIntervalSeconds)
	envString("RESULT_PREFIX", &c.ResultPrefix)
	if v := os.Getenv("MAX_PACKET_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxPacketBytes = n
		}
	}
	envInt("WRITE_TIMEOUT_SECONDS", &c.WriteTimeoutSeconds)
	envString("TIMEZONE", &c.Timezone)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("LOG_FORMAT", &c.LogFormat)
	envString("LOG_FILE", &c.LogFile)
	envString("ENV", &c.Env)
	envBool("TRACING_ENABLED", &c.TracingEnabled)
	envString("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTLPEndpoint)
	envBool("OTEL_EXPORTER_OTLP_INSECURE", &c.OTLPInsecure)
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.TraceSampleRatio = f
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.WorkerPort == 0 {
		c.WorkerPort = 5000
	}
	if c.OutputDir == "" {
		c.OutputDir = "processed_results"
	}
	if c.StoreProvider == "" {
		c.StoreProvider = "sqlite"
	}
	if c.SqlitePath == "" {
		c.SqlitePath = "master.db"
	}
	if c.HeartbeatTimeoutSeconds <= 0 {
		c.HeartbeatTimeoutSeconds = 30
	}
	if c.SweepIntervalSeconds <= 0 {
		c.SweepIntervalSeconds = 10
	}
	if c.ResultPrefix == "" {
		c.ResultPrefix = "bw_"
	}
	if c.MaxPacketBytes <= 0 {
		c.MaxPacketBytes = 256 << 20
	}
	if c.WriteTimeoutSeconds <= 0 {
		c.WriteTimeoutSeconds = 30
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.TraceSampleRatio <= 0 {
		c.TraceSampleRatio = 1
	}
}

func (c *Config) logSummary() {
	log.Printf("Master Config: {Port:%d WorkerPort:%d Store:%s Output:%s TZ:%s Heartbeat:%ds Sweep:%ds}\n",
		c.Port, c.WorkerPort, c.StoreProvider, c.OutputDir, c.Timezone, c.HeartbeatTimeoutSeconds, c.SweepIntervalSeconds)
}

// HeartbeatTimeout returns the eviction threshold as a duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) Validate() error {
	var errs []string

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	if c.WorkerPort < 1 || c.WorkerPort > 65535 {
		errs = append(errs, "workerPort must be between 1 and 65535")
	}
	if c.Port == c.WorkerPort {
		errs = append(errs, "port and workerPort must differ")
	}
	switch strings.ToLower(strings.TrimSpace(c.StoreProvider)) {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.SqlitePath) == "" {
			errs = append(errs, "sqlitePath is required for the sqlite store")
		}
	case "redis":
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, "redisAddr is required for the redis store")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown storeProvider %q", c.StoreProvider))
	}
	if c.SweepIntervalSeconds > c.HeartbeatTimeoutSeconds {
		errs = append(errs, "sweepIntervalSeconds must not exceed heartbeatTimeoutSeconds")
	}
	if c.WriteTimeoutSeconds < 0 {
		errs = append(errs, "writeTimeoutSeconds must not be negative")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("timezone %q: %v", c.Timezone, err))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, "logFormat must be json or text")
	}
	if c.TraceSampleRatio > 1 {
		errs = append(errs, "traceSampleRatio must be within (0, 1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
