package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	GatewayURL   string
	GatewayToken string
	ProjectID    string
	SessionID    string

	// Direct-Postgres gateway for self-hosted deployments. When set, syncd
	// talks to the database instead of the hosted HTTP service.
	DatabaseURL string

	AutosaveDebounce time.Duration
	AutosaveThrottle time.Duration
	PageSize         int
	LoadTimeout      time.Duration
	ShutdownSaveWait time.Duration

	// Redis draft cache - disabled if empty
	RedisURL string
	DraftTTL time.Duration

	// Meilisearch - disabled if empty
	MeiliURL       string
	MeiliMasterKey string

	// Local revision archive
	RevisionsDir string

	// Assistant (Anthropic) - reads ANTHROPIC_API_KEY if empty
	AssistantAPIKey string
	AssistantModel  string
}

func Load() Config {
	return Config{
		GatewayURL:   getenv("INKWELL_GATEWAY_URL", "http://localhost:8790"),
		GatewayToken: getenv("INKWELL_GATEWAY_TOKEN", ""),
		ProjectID:    getenv("INKWELL_PROJECT_ID", "default"),
		SessionID:    getenv("INKWELL_SESSION_ID", "default"),

		DatabaseURL: getenv("DATABASE_URL", ""),

		AutosaveDebounce: time.Duration(getenvInt("INKWELL_AUTOSAVE_DEBOUNCE_MS", 1000)) * time.Millisecond,
		AutosaveThrottle: time.Duration(getenvInt("INKWELL_AUTOSAVE_THROTTLE_SECONDS", 30)) * time.Second,
		PageSize:         getenvInt("INKWELL_CHAT_PAGE_SIZE", 50),
		LoadTimeout:      time.Duration(getenvInt("INKWELL_LOAD_TIMEOUT_SECONDS", 15)) * time.Second,
		ShutdownSaveWait: time.Duration(getenvInt("INKWELL_SHUTDOWN_SAVE_SECONDS", 5)) * time.Second,

		RedisURL: getenv("REDIS_URL", ""),
		DraftTTL: time.Duration(getenvInt("INKWELL_DRAFT_TTL_SECONDS", 604800)) * time.Second,

		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),

		RevisionsDir: getenv("INKWELL_REVISIONS_DIR", "./data/revisions"),

		AssistantAPIKey: getenv("ANTHROPIC_API_KEY", ""),
		AssistantModel:  getenv("INKWELL_ASSISTANT_MODEL", ""),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
