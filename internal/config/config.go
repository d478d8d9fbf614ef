package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Executor backends.
const (
	ExecutorDocker  = "docker"
	ExecutorProcess = "process"
)

// Config holds runtime configuration values for the grader service.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	CORSOrigins string

	NATSURL       string
	EventsChannel string

	ExecutorBackend   string
	DockerHost        string
	WorkspaceRoot     string
	LanguagesFile     string
	ExecutionTimeout  time.Duration
	CodeRunMemoryMB   int
	CodeRunCPUShares  int
	CodeRunPidsLimit  int
	MaxOutputBytes    int
	TestStateCacheTTL time.Duration

	RegradeConcurrency int
	SubmitRateLimit    int
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Grader")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("cors.origins", "*")
	v.SetDefault("events.channel", "grader")
	v.SetDefault("executor.backend", ExecutorDocker)
	v.SetDefault("execution_timeout_ms", 5000)
	v.SetDefault("code_run_memory_mb", 256)
	v.SetDefault("code_run_cpu_shares", 512)
	v.SetDefault("code_run_pids_limit", 64)
	v.SetDefault("code_run_max_output_bytes", 1<<20)
	v.SetDefault("test_state.cache_ttl", "24h")
	v.SetDefault("regrade.concurrency", 4)
	v.SetDefault("submissions.rate_limit", 30)

	cacheTTL, err := time.ParseDuration(v.GetString("test_state.cache_ttl"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid test state cache ttl: %w", err)
	}

	timeoutMs := v.GetInt("execution_timeout_ms")
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}

	cfg := Config{
		AppName:            v.GetString("app.name"),
		AppEnv:             v.GetString("app.env"),
		AppPort:            v.GetString("app.port"),
		DatabaseURL:        v.GetString("database.url"),
		RedisURL:           v.GetString("redis.url"),
		JWTSecret:          v.GetString("jwt.secret"),
		CORSOrigins:        v.GetString("cors.origins"),
		NATSURL:            v.GetString("nats.url"),
		EventsChannel:      v.GetString("events.channel"),
		ExecutorBackend:    strings.ToLower(strings.TrimSpace(v.GetString("executor.backend"))),
		DockerHost:         v.GetString("docker_host"),
		WorkspaceRoot:      v.GetString("executor.workspace_root"),
		LanguagesFile:      v.GetString("languages.file"),
		ExecutionTimeout:   time.Duration(timeoutMs) * time.Millisecond,
		CodeRunMemoryMB:    v.GetInt("code_run_memory_mb"),
		CodeRunCPUShares:   v.GetInt("code_run_cpu_shares"),
		CodeRunPidsLimit:   v.GetInt("code_run_pids_limit"),
		MaxOutputBytes:     v.GetInt("code_run_max_output_bytes"),
		TestStateCacheTTL:  cacheTTL,
		RegradeConcurrency: v.GetInt("regrade.concurrency"),
		SubmitRateLimit:    v.GetInt("submissions.rate_limit"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	switch cfg.ExecutorBackend {
	case ExecutorDocker, ExecutorProcess:
	default:
		return Config{}, fmt.Errorf("unknown executor backend %q", cfg.ExecutorBackend)
	}

	if cfg.CodeRunMemoryMB <= 0 {
		cfg.CodeRunMemoryMB = 256
	}

	if cfg.CodeRunCPUShares <= 0 {
		cfg.CodeRunCPUShares = 512
	}

	if cfg.RegradeConcurrency <= 0 {
		cfg.RegradeConcurrency = 4
	}

	return cfg, nil
}
