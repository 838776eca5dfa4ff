package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the sync daemon. Zero values are never used
// directly; FromEnv fills defaults for anything unset.
type Config struct {
	ListenAddr string
	ServerURL  string
	PushURL    string

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	ReconnectPolicy   string
	ReconnectMaxDelay time.Duration

	QueuePollInterval  time.Duration
	StatusPollInterval time.Duration
	StaleTime          time.Duration
	ProgressClearDelay time.Duration
	RequestTimeout     time.Duration

	LogLevel       string
	LogFormat      string
	MetricsEnabled bool
}

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// FromEnv builds a Config from the process environment.
func FromEnv() Config {
	serverURL := GetEnv("SERVER_URL", "http://127.0.0.1:3000")
	return Config{
		ListenAddr: GetEnv("LISTEN_ADDR", "127.0.0.1:8090"),
		ServerURL:  serverURL,
		PushURL:    GetEnv("PUSH_URL", PushURLFor(serverURL)),

		HeartbeatInterval: GetEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		ReconnectDelay:    GetEnvDuration("RECONNECT_DELAY", 3*time.Second),
		ReconnectPolicy:   strings.ToLower(GetEnv("RECONNECT_POLICY", "constant")),
		ReconnectMaxDelay: GetEnvDuration("RECONNECT_MAX_DELAY", 30*time.Second),

		QueuePollInterval:  GetEnvDuration("QUEUE_POLL_INTERVAL", 10*time.Second),
		StatusPollInterval: GetEnvDuration("STATUS_POLL_INTERVAL", 10*time.Second),
		StaleTime:          GetEnvDuration("STALE_TIME", 30*time.Second),
		ProgressClearDelay: GetEnvDuration("PROGRESS_CLEAR_DELAY", 3*time.Second),
		RequestTimeout:     GetEnvDuration("REQUEST_TIMEOUT", 10*time.Second),

		LogLevel:       GetEnv("LOG_LEVEL", "info"),
		LogFormat:      GetEnv("LOG_FORMAT", "json"),
		MetricsEnabled: GetEnvBool("METRICS_ENABLED", true),
	}
}

// PushURLFor derives the websocket endpoint from the REST base URL:
// http becomes ws, https becomes wss, and the path is /ws.
func PushURLFor(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		return "ws://127.0.0.1:3000/ws"
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String()
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool returns the boolean value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid boolean.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvDuration accepts Go duration strings ("3s", "250ms") or a bare
// integer number of seconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	if n := GetEnvInt(key, 0); n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}
