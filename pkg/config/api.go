package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	AccessTokenTTL     time.Duration
	DockerHost         string
	RuntimeCallTimeout time.Duration
	DeployTimeout      time.Duration
	WorkspaceMemoryMB  int
	WorkspaceCPUShares int
	WorkspaceStorageMB int
	WorkspacePassword  string
	LogTailDefault     int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://qbridge:qbridge@db:5432/qbridge?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:          GetString("JWT_SECRET", "qbridge-jwt-secret"),
		AccessTokenTTL:     time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 60)) * time.Minute,
		DockerHost:         GetString("DOCKER_HOST", ""),
		RuntimeCallTimeout: time.Duration(GetInt("RUNTIME_CALL_TIMEOUT_SECONDS", 30)) * time.Second,
		DeployTimeout:      time.Duration(GetInt("DEPLOY_TIMEOUT_SECONDS", 600)) * time.Second,
		WorkspaceMemoryMB:  GetInt("WORKSPACE_MEMORY_MB", 2048),
		WorkspaceCPUShares: GetInt("WORKSPACE_CPU_SHARES", 1024),
		WorkspaceStorageMB: GetInt("WORKSPACE_STORAGE_MB", 10240),
		WorkspacePassword:  GetString("WORKSPACE_PASSWORD", "qBridge123"),
		LogTailDefault:     GetInt("WORKSPACE_LOG_TAIL", 100),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
