package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	AutoMigrate        bool
	JWTSecret          string
	AccessTokenTTL     time.Duration
	CookieSecure       bool
	PublicBaseURL      string
	LogLevel           string
	LogBuffer          int
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	NATSURL            string
	NATSSubject        string
	ShutdownTimeout    time.Duration
	ReadHeaderTimeout  time.Duration
	WebsocketWriteWait time.Duration
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "sqlite://data/localvercel.db"),
		AutoMigrate:        GetBool("DB_MIGRATIONS_AUTO", true),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL:     time.Duration(GetInt("ACCESS_TOKEN_TTL_MINUTES", 7*24*60)) * time.Minute,
		CookieSecure:       GetBool("COOKIE_SECURE", false),
		PublicBaseURL:      GetString("PUBLIC_BASE_URL", "http://localhost:4000"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		LogBuffer:          GetInt("WS_LOG_BUFFER", 100),
		RateLimitRequests:  GetInt("RATE_LIMIT_REQUESTS", 30),
		RateLimitWindow:    GetSeconds("RATE_LIMIT_WINDOW_SECONDS", 60),
		RedisAddr:          GetString("REDIS_ADDR", ""),
		RedisPassword:      GetString("REDIS_PASSWORD", ""),
		RedisDB:            GetInt("REDIS_DB", 0),
		NATSURL:            GetString("NATS_URL", ""),
		NATSSubject:        GetString("NATS_SUBJECT", "localvercel.deployments"),
		ShutdownTimeout:    GetSeconds("SHUTDOWN_TIMEOUT_SECONDS", 30),
		ReadHeaderTimeout:  GetSeconds("READ_HEADER_TIMEOUT_SECONDS", 5),
		WebsocketWriteWait: GetSeconds("WS_WRITE_WAIT_SECONDS", 10),
	}
}
