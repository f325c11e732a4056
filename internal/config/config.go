package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Port           string
	Environment    string
	InstanceID     string
	AllowedOrigins string

	// Stores
	RedisURL    string // empty selects the in-process KV store
	MongoURI    string // empty selects the in-memory document store
	EnableRelay bool   // Redis pub/sub relay for multi-instance event fan-out

	// Model backend
	ModelProvider     string // "openai" or "anthropic"
	ModelBaseURL      string // OpenAI-compatible servers (Ollama, vLLM)
	ModelAPIKey       string
	ModelPoolSize     int
	ModelTimeout      time.Duration
	ModelCatalogPath  string
	SpeechModel       string
	SpeechBaseURL     string // Whisper-compatible endpoint; empty uses OpenAI
	SpeechAPIKey      string // empty disables voice transcription
	ResponseCacheTTL  time.Duration
	MetricsFlushEvery time.Duration

	// Resource limits
	MaxSessions            int
	SessionTimeout         time.Duration
	IdleThreshold          time.Duration
	CleanupInterval        time.Duration
	MonitorInterval        time.Duration
	PreloadInterval        time.Duration
	MemoryThresholdMB      int
	CPUThresholdPercent    float64
	SessionPressurePercent float64
	InputRatePerSecond     float64
	InputBurst             int

	// Circuit breakers
	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration
	StoreTimeout            time.Duration

	// Memory
	ContextTTL          time.Duration
	HistoryCacheSize    int
	MaxTurnLength       int
	DefaultPrivacyMode  string
	EncryptionMasterKey string // hex; empty disables private-turn encryption
	RetentionDays       int
	RetentionSchedule   string

	// Event delivery
	EventBufferCap   int
	StreamBacklogCap int
	SessionQueueSize int
	RecoveryGCDelay  time.Duration
	AdminUserIDs     []string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "3001"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		InstanceID:     getEnv("INSTANCE_ID", hostname()),
		AllowedOrigins: getEnv("ALLOWED_ORIGINS", "*"),

		RedisURL:    getEnv("REDIS_URL", ""),
		MongoURI:    getEnv("MONGODB_URI", ""),
		EnableRelay: getBoolEnv("EVENT_RELAY_ENABLED", false),

		ModelProvider:     strings.ToLower(getEnv("MODEL_PROVIDER", "openai")),
		ModelBaseURL:      getEnv("MODEL_BASE_URL", "http://localhost:11434/v1"),
		ModelAPIKey:       getEnv("MODEL_API_KEY", ""),
		ModelPoolSize:     getIntEnv("MODEL_POOL_SIZE", 4),
		ModelTimeout:      getDurationEnv("MODEL_TIMEOUT", 60*time.Second),
		ModelCatalogPath:  getEnv("MODEL_CATALOG", "models.yaml"),
		SpeechModel:       getEnv("SPEECH_MODEL", "whisper-1"),
		SpeechBaseURL:     getEnv("SPEECH_BASE_URL", ""),
		SpeechAPIKey:      getEnv("SPEECH_API_KEY", ""),
		ResponseCacheTTL:  getDurationEnv("RESPONSE_CACHE_TTL", time.Hour),
		MetricsFlushEvery: getDurationEnv("METRICS_FLUSH_INTERVAL", time.Minute),

		MaxSessions:            getIntEnv("MAX_SESSIONS", 1000),
		SessionTimeout:         getDurationEnv("SESSION_TIMEOUT", 30*time.Minute),
		IdleThreshold:          getDurationEnv("IDLE_THRESHOLD", 5*time.Minute),
		CleanupInterval:        getDurationEnv("CLEANUP_INTERVAL", time.Minute),
		MonitorInterval:        getDurationEnv("MONITOR_INTERVAL", 30*time.Second),
		PreloadInterval:        getDurationEnv("PRELOAD_INTERVAL", 5*time.Minute),
		MemoryThresholdMB:      getIntEnv("MEMORY_THRESHOLD_MB", 2048),
		CPUThresholdPercent:    getFloatEnv("CPU_THRESHOLD_PERCENT", 85),
		SessionPressurePercent: getFloatEnv("SESSION_PRESSURE_PERCENT", 90),
		InputRatePerSecond:     getFloatEnv("INPUT_RATE_PER_SECOND", 2),
		InputBurst:             getIntEnv("INPUT_BURST", 5),

		BreakerFailureThreshold: getIntEnv("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerRecoveryTimeout:  getDurationEnv("BREAKER_RECOVERY_TIMEOUT", 30*time.Second),
		StoreTimeout:            getDurationEnv("STORE_TIMEOUT", 3*time.Second),

		ContextTTL:          getDurationEnv("CONTEXT_TTL", time.Hour),
		HistoryCacheSize:    getIntEnv("HISTORY_CACHE_SIZE", 50),
		MaxTurnLength:       getIntEnv("MAX_TURN_LENGTH", 16000),
		DefaultPrivacyMode:  getEnv("DEFAULT_PRIVACY_MODE", "shared"),
		EncryptionMasterKey: getEnv("ENCRYPTION_MASTER_KEY", ""),
		RetentionDays:       getIntEnv("RETENTION_DAYS", 90),
		RetentionSchedule:   getEnv("RETENTION_SCHEDULE", "0 3 * * *"),

		EventBufferCap:   getIntEnv("EVENT_BUFFER_CAP", 100),
		StreamBacklogCap: getIntEnv("STREAM_BACKLOG_CAP", 256),
		SessionQueueSize: getIntEnv("SESSION_QUEUE_SIZE", 32),
		RecoveryGCDelay:  getDurationEnv("RECOVERY_GC_DELAY", 5*time.Minute),
		AdminUserIDs:     getListEnv("ADMIN_USER_IDS"),
	}
}

// IsProduction reports whether the process runs with production defaults
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ModelCatalog describes the models a deployment may route to
type ModelCatalog struct {
	Available []string            `yaml:"available"`
	Default   string              `yaml:"default"`
	Fast      string              `yaml:"fast"`
	Reasoning string              `yaml:"reasoning"`
	Fallbacks map[string][]string `yaml:"fallbacks"`
}

// DefaultModelCatalog is used when no catalog file exists
func DefaultModelCatalog() *ModelCatalog {
	return &ModelCatalog{
		Available: []string{"llama3.1:8b", "llama3.2:3b", "qwen2.5:14b"},
		Default:   "llama3.1:8b",
		Fast:      "llama3.2:3b",
		Reasoning: "qwen2.5:14b",
		Fallbacks: map[string][]string{
			"qwen2.5:14b": {"llama3.1:8b", "llama3.2:3b"},
			"llama3.1:8b": {"llama3.2:3b"},
		},
	}
}

// LoadModelCatalog reads the YAML model catalog. A missing file yields the default catalog.
func LoadModelCatalog(filePath string) (*ModelCatalog, error) {
	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return DefaultModelCatalog(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read model catalog: %w", err)
	}
	return ParseModelCatalog(data)
}

// ParseModelCatalog decodes and validates a YAML model catalog
func ParseModelCatalog(data []byte) (*ModelCatalog, error) {
	var catalog ModelCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse model catalog YAML: %w", err)
	}
	if catalog.Default == "" {
		return nil, fmt.Errorf("model catalog has no default model")
	}
	if !catalog.IsAvailable(catalog.Default) {
		catalog.Available = append(catalog.Available, catalog.Default)
	}
	if catalog.Fallbacks == nil {
		catalog.Fallbacks = map[string][]string{}
	}
	return &catalog, nil
}

// IsAvailable reports whether model is in the available set
func (c *ModelCatalog) IsAvailable(model string) bool {
	for _, m := range c.Available {
		if m == model {
			return true
		}
	}
	return false
}

// FallbacksFor returns the fallback chain for model in priority order
func (c *ModelCatalog) FallbacksFor(model string) []string {
	return c.Fallbacks[model]
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "local"
	}
	return name
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getListEnv splits a comma-separated variable, trimming whitespace
func getListEnv(key string) []string {
	value := getEnv(key, "")
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
