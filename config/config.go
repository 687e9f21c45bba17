package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/ini.v1"

	"github.com/jaliph/snow-session/utils"
)

// Config holds application configuration
type Config struct {
	// API settings
	APIPort   string
	RateLimit float64 // pairing requests per second per session
	RateBurst int

	// Storage settings
	DataDir           string
	CredentialBackend string // "file" or "bolt"

	// WhatsApp settings
	WhatsmeowLogLevel string // empty disables whatsmeow logging
	ClientName        string
	OSName            string
	PrintQRInTerminal bool

	// Pairing settings
	PairingTimeout   time.Duration
	PhoneCodeTimeout time.Duration
	ConnectTimeout   time.Duration

	// Reconnect settings
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMultiplier  float64
	ReconnectMaxAttempts int

	// Database settings
	SQLitePath    string
	MSSQLEnabled  bool
	MSSQLServer   string
	MSSQLDatabase string
	MSSQLUsername string
	MSSQLPassword string
	SyncInterval  time.Duration

	// Log settings
	LogLevel string
}

// LoadConfig loads configuration from the file named by SNOW_CONFIG
// (default config.ini) layered over environment variables
func LoadConfig() *Config {
	return LoadConfigFrom(getEnv("SNOW_CONFIG", "config.ini"))
}

// LoadConfigFrom loads configuration from the given ini file. A missing or
// unreadable file leaves environment values and defaults in place.
func LoadConfigFrom(path string) *Config {
	config := &Config{
		APIPort:   getEnv("API_PORT", ":8080"),
		RateLimit: getEnvFloat("API_RATE_LIMIT", 1),
		RateBurst: getEnvInt("API_RATE_BURST", 5),

		DataDir:           getEnv("DATA_DIR", "data"),
		CredentialBackend: getEnv("CREDENTIAL_BACKEND", "file"),

		WhatsmeowLogLevel: getEnv("WHATSMEOW_LOG_LEVEL", ""),
		ClientName:        getEnv("WHATSAPP_CLIENT_NAME", "Chrome (Linux)"),
		OSName:            getEnv("WHATSAPP_OS_NAME", "snow-session"),
		PrintQRInTerminal: getEnvBool("PRINT_QR_IN_TERMINAL", false),

		PairingTimeout:   getEnvDuration("PAIRING_TIMEOUT", 3*time.Minute),
		PhoneCodeTimeout: getEnvDuration("PHONE_CODE_TIMEOUT", 30*time.Second),
		ConnectTimeout:   getEnvDuration("CONNECT_TIMEOUT", 30*time.Second),

		ReconnectBaseDelay:   getEnvDuration("RECONNECT_BASE_DELAY", 2*time.Second),
		ReconnectMaxDelay:    getEnvDuration("RECONNECT_MAX_DELAY", 2*time.Minute),
		ReconnectMultiplier:  getEnvFloat("RECONNECT_MULTIPLIER", 2),
		ReconnectMaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 10),

		SQLitePath:    getEnv("SQLITE_PATH", "data/store.db"),
		MSSQLEnabled:  getEnvBool("MSSQL_ENABLED", false),
		MSSQLServer:   getEnv("MSSQL_SERVER", "localhost"),
		MSSQLDatabase: getEnv("MSSQL_DATABASE", "whatsapp_sessions"),
		MSSQLUsername: getEnv("MSSQL_USERNAME", "sa"),
		MSSQLPassword: getEnv("MSSQL_PASSWORD", ""),
		SyncInterval:  getEnvDuration("MSSQL_SYNC_INTERVAL", time.Minute),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := loadFromINI(path, config); err != nil {
		utils.Logger.Warn("Failed to load config file, using environment variables or defaults", "path", path, "error", err)
	}

	return config
}

// loadFromINI overrides config with every key present in the ini file
func loadFromINI(path string, config *Config) error {
	cfg, err := ini.Load(path)
	if err != nil {
		return err
	}

	api := cfg.Section("api")
	setString(api, "port", &config.APIPort)
	setFloat(api, "rate_limit", &config.RateLimit)
	setInt(api, "rate_burst", &config.RateBurst)

	storage := cfg.Section("storage")
	setString(storage, "data_dir", &config.DataDir)
	setString(storage, "credential_backend", &config.CredentialBackend)

	wa := cfg.Section("whatsapp")
	setString(wa, "log_level", &config.WhatsmeowLogLevel)
	setString(wa, "client_name", &config.ClientName)
	setString(wa, "os_name", &config.OSName)
	setBool(wa, "print_qr_in_terminal", &config.PrintQRInTerminal)

	pairing := cfg.Section("pairing")
	setDuration(pairing, "timeout", &config.PairingTimeout)
	setDuration(pairing, "phone_code_timeout", &config.PhoneCodeTimeout)
	setDuration(pairing, "connect_timeout", &config.ConnectTimeout)

	reconnect := cfg.Section("reconnect")
	setDuration(reconnect, "base_delay", &config.ReconnectBaseDelay)
	setDuration(reconnect, "max_delay", &config.ReconnectMaxDelay)
	setFloat(reconnect, "multiplier", &config.ReconnectMultiplier)
	setInt(reconnect, "max_attempts", &config.ReconnectMaxAttempts)

	db := cfg.Section("database")
	setString(db, "sqlite_path", &config.SQLitePath)
	setBool(db, "mssql_enabled", &config.MSSQLEnabled)
	setString(db, "mssql_server", &config.MSSQLServer)
	setString(db, "mssql_database", &config.MSSQLDatabase)
	setString(db, "mssql_username", &config.MSSQLUsername)
	setString(db, "mssql_password", &config.MSSQLPassword)
	setDuration(db, "sync_interval", &config.SyncInterval)

	setString(cfg.Section("log"), "level", &config.LogLevel)
	return nil
}

func setString(s *ini.Section, key string, dst *string) {
	if v := s.Key(key).String(); v != "" {
		*dst = v
	}
}

func setInt(s *ini.Section, key string, dst *int) {
	if v, err := s.Key(key).Int(); err == nil {
		*dst = v
	}
}

func setFloat(s *ini.Section, key string, dst *float64) {
	if v, err := s.Key(key).Float64(); err == nil {
		*dst = v
	}
}

func setBool(s *ini.Section, key string, dst *bool) {
	if v, err := s.Key(key).Bool(); err == nil {
		*dst = v
	}
}

func setDuration(s *ini.Section, key string, dst *time.Duration) {
	if v, err := s.Key(key).Duration(); err == nil {
		*dst = v
	}
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}
