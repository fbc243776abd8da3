package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration
type Config struct {
	// サーバー設定
	ServerPort string
	Env        string

	// CORS設定
	AllowedOrigins []string

	// SSE設定
	Retry      time.Duration
	BufferSize int

	// 履歴ストア設定
	StoreDriver  string
	HistoryLimit int
	DBHost       string
	DBPort       string
	DBUser       string
	DBPassword   string
	DBName       string
	PebblePath   string

	// クラスタ中継 (空なら無効)
	NatsURL     string
	NatsSubject string

	// "user:pass,user2:pass2" 形式。空なら認証なし
	Accounts         map[string]string
	MaxMessageLength int

	Log LogConfig
}

// ClientConfig holds terminal client configuration
type ClientConfig struct {
	ServerURL string
	User      string
	Password  string
	Render    string

	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int

	Log LogConfig
}

// LogConfig is shared by both binaries
type LogConfig struct {
	Level string
	JSON  bool
	File  string
}

// Load loads server configuration from environment variables
func Load() (Config, error) {
	retry, err := getDuration("SSE_RETRY", 3*time.Second)
	if err != nil {
		return Config{}, err
	}
	buffer, err := getInt("SSE_BUFFER", 50)
	if err != nil {
		return Config{}, err
	}
	historyLimit, err := getInt("HISTORY_LIMIT", 100)
	if err != nil {
		return Config{}, err
	}
	maxLen, err := getInt("MAX_MESSAGE_LENGTH", 1000)
	if err != nil {
		return Config{}, err
	}
	accounts, err := parseAccounts(os.Getenv("ACCOUNTS"))
	if err != nil {
		return Config{}, err
	}
	logCfg, err := loadLog()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ServerPort:       getString("SERVER_PORT", "8080"),
		Env:              getString("ENV", "development"),
		AllowedOrigins:   splitList(getString("ALLOWED_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000")),
		Retry:            retry,
		BufferSize:       buffer,
		StoreDriver:      strings.ToLower(getString("STORE_DRIVER", "memory")),
		HistoryLimit:     historyLimit,
		DBHost:           getString("DB_HOST", "localhost"),
		DBPort:           getString("DB_PORT", "3306"),
		DBUser:           os.Getenv("DB_USER"),
		DBPassword:       os.Getenv("DB_PASSWORD"),
		DBName:           os.Getenv("DB_NAME"),
		PebblePath:       getString("PEBBLE_PATH", "data/history"),
		NatsURL:          os.Getenv("NATS_URL"),
		NatsSubject:      getString("NATS_SUBJECT", "ssechat.messages"),
		Accounts:         accounts,
		MaxMessageLength: maxLen,
		Log:              logCfg,
	}

	return cfg, nil
}

// LoadClient loads terminal client configuration from environment variables
func LoadClient() (ClientConfig, error) {
	initial, err := getDuration("RECONNECT_INITIAL", time.Second)
	if err != nil {
		return ClientConfig{}, err
	}
	maxDelay, err := getDuration("RECONNECT_MAX", 30*time.Second)
	if err != nil {
		return ClientConfig{}, err
	}
	if initial <= 0 {
		return ClientConfig{}, fmt.Errorf("RECONNECT_INITIAL: must be positive, got %s", initial)
	}
	if maxDelay < initial {
		return ClientConfig{}, fmt.Errorf("RECONNECT_MAX: must be at least RECONNECT_INITIAL (%s), got %s", initial, maxDelay)
	}
	attempts, err := getInt("RECONNECT_ATTEMPTS", 0)
	if err != nil {
		return ClientConfig{}, err
	}
	logCfg, err := loadLog()
	if err != nil {
		return ClientConfig{}, err
	}

	return ClientConfig{
		ServerURL:         strings.TrimRight(getString("CHAT_SERVER_URL", "http://localhost:8080"), "/"),
		User:              os.Getenv("CHAT_USER"),
		Password:          os.Getenv("CHAT_PASSWORD"),
		Render:            getString("CHAT_RENDER", "escape"),
		ReconnectInitial:  initial,
		ReconnectMax:      maxDelay,
		ReconnectAttempts: attempts,
		Log:               logCfg,
	}, nil
}

// DSN returns the mysql data source name
func (c Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		c.DBUser,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
	)
}

func loadLog() (LogConfig, error) {
	asJSON := false
	if v := os.Getenv("LOG_JSON"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return LogConfig{}, fmt.Errorf("LOG_JSON: %w", err)
		}
		asJSON = b
	}
	return LogConfig{
		Level: getString("LOG_LEVEL", "info"),
		JSON:  asJSON,
		File:  os.Getenv("LOG_FILE"),
	}, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseAccounts(raw string) (map[string]string, error) {
	accounts := make(map[string]string)
	for _, entry := range splitList(raw) {
		user, pass, ok := strings.Cut(entry, ":")
		if !ok || user == "" {
			return nil, fmt.Errorf("ACCOUNTS: invalid entry %q", entry)
		}
		accounts[user] = pass
	}
	return accounts, nil
}
