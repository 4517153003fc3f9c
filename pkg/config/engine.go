package config

import "time"

// EngineConfig holds runtime configuration for the orchestration engine.
type EngineConfig struct {
	Environment    string
	Addr           string
	DatabaseURL    string
	MigrationsDir  string
	MigrateOnStart bool
	RedisURL       string

	DockerHost             string
	DeployDomain           string
	URLScheme              string
	TraefikDir             string
	RunnerNetwork          string
	WorkspaceNetworkPrefix string
	ProbeService           string
	RunnersFile            string

	AppPort              int
	MonitorInterval      time.Duration
	DeploymentTimeout    time.Duration
	ReconcileInterval    time.Duration
	ContainerDeleteGrace time.Duration
	CleanupInterval      time.Duration
	JobConcurrency       int
	JobTimeout           time.Duration

	DataDir     string
	HostDataDir string

	DefaultCPUs     float64
	MaxCPUs         float64
	DefaultMemoryMB int
	MaxMemoryMB     int

	ServiceUID int
	ServiceGID int
}

// AllowCustomCPU reports whether per-deployment CPU overrides are accepted.
// Overrides require both a default and a ceiling to clamp against.
func (c EngineConfig) AllowCustomCPU() bool {
	return c.DefaultCPUs > 0 && c.MaxCPUs > 0
}

// AllowCustomMemory reports whether per-deployment memory overrides are accepted.
func (c EngineConfig) AllowCustomMemory() bool {
	return c.DefaultMemoryMB > 0 && c.MaxMemoryMB > 0
}

// LoadEngineConfig constructs an EngineConfig from environment variables.
func LoadEngineConfig() EngineConfig {
	return EngineConfig{
		Environment:    GetString("APP_ENV", "development"),
		Addr:           GetString("ENGINE_ADDR", ":9090"),
		DatabaseURL:    GetString("DATABASE_URL", "postgres://devpush:devpush@db:5432/devpush?sslmode=disable"),
		MigrationsDir:  GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		MigrateOnStart: GetBool("MIGRATE_ON_START", true),
		RedisURL:       GetString("REDIS_URL", "redis://redis:6379/0"),

		DockerHost:             GetString("DOCKER_HOST", "tcp://docker-proxy:2375"),
		DeployDomain:           GetString("DEPLOY_DOMAIN", "devpu.sh"),
		URLScheme:              GetString("URL_SCHEME", "https"),
		TraefikDir:             GetString("TRAEFIK_DYNAMIC_DIR", "/data/traefik"),
		RunnerNetwork:          GetString("RUNNER_NETWORK", "devpush_runner"),
		WorkspaceNetworkPrefix: GetString("WORKSPACE_NETWORK_PREFIX", "devpush_workspace_"),
		ProbeService:           GetString("PROBE_SERVICE", "worker-monitor"),
		RunnersFile:            GetString("RUNNERS_FILE", "runners.yml"),

		AppPort:              GetInt("APP_PORT", 8000),
		MonitorInterval:      time.Duration(GetInt("MONITOR_INTERVAL_SECONDS", 2)) * time.Second,
		DeploymentTimeout:    time.Duration(GetInt("DEPLOYMENT_TIMEOUT_SECONDS", 300)) * time.Second,
		ReconcileInterval:    time.Duration(GetInt("RECONCILE_INTERVAL_SECONDS", 60)) * time.Second,
		ContainerDeleteGrace: time.Duration(GetInt("CONTAINER_DELETE_GRACE_SECONDS", 3)) * time.Second,
		CleanupInterval:      time.Duration(GetInt("CLEANUP_INTERVAL_SECONDS", 3600)) * time.Second,
		JobConcurrency:       GetInt("JOB_CONCURRENCY", 8),
		JobTimeout:           time.Duration(GetInt("JOB_TIMEOUT_SECONDS", 320)) * time.Second,

		DataDir:     GetString("DATA_DIR", "/data"),
		HostDataDir: GetString("HOST_DATA_DIR", ""),

		DefaultCPUs:     GetFloat("DEFAULT_CPUS", 0),
		MaxCPUs:         GetFloat("MAX_CPUS", 0),
		DefaultMemoryMB: GetInt("DEFAULT_MEMORY_MB", 0),
		MaxMemoryMB:     GetInt("MAX_MEMORY_MB", 0),

		ServiceUID: GetInt("SERVICE_UID", 1000),
		ServiceGID: GetInt("SERVICE_GID", 1000),
	}
}
