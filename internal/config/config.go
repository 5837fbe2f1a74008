package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the ZapTalk backend.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	AI        AIConfig
	WhatsApp  WhatsAppConfig
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// AIConfig carries the environment-level defaults for the reply pipeline.
// APIKey empty means the AI feature is disabled and the pipeline serves
// the stubbed fallback reply instead of calling the provider.
type AIConfig struct {
	APIKey          string
	Endpoint        string
	DefaultModel    string
	DefaultMode     string
	ReplyTimeout    time.Duration
	FallbackMessage string
	HistoryWindow   int
	MaxContentLen   int
	AutoReplyOn     bool
	ForceAutoReply  bool
}

// WhatsAppConfig configures the outbound broker client.
type WhatsAppConfig struct {
	BrokerURL string
	APIToken  string
}

// DefaultFallbackMessage is streamed when no AI credentials are configured.
const DefaultFallbackMessage = "Obrigado pela sua mensagem! Um de nossos atendentes irá responder em breve."

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("ZAPTALK_PORT", 8080),
		Version: envStr("ZAPTALK_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "zaptalk-backend"),
		},
		AI: AIConfig{
			APIKey:          envStr("AI_API_KEY", ""),
			Endpoint:        envStr("AI_ENDPOINT", "https://api.openai.com/v1"),
			DefaultModel:    envStr("AI_DEFAULT_MODEL", "gpt-4o-mini"),
			DefaultMode:     envStr("AI_DEFAULT_MODE", "HUMANO"),
			ReplyTimeout:    envDuration("AI_REPLY_TIMEOUT", 45*time.Second),
			FallbackMessage: envStr("AI_FALLBACK_MESSAGE", DefaultFallbackMessage),
			HistoryWindow:   envInt("AI_HISTORY_WINDOW", 12),
			MaxContentLen:   envInt("AI_MAX_CONTENT_LEN", 4000),
			AutoReplyOn:     envBool("AI_AUTO_REPLY_ENABLED", true),
			ForceAutoReply:  envBool("AI_FORCE_AUTO_REPLY", false),
		},
		WhatsApp: WhatsAppConfig{
			BrokerURL: envStr("WHATSAPP_BROKER_URL", ""),
			APIToken:  envStr("WHATSAPP_API_TOKEN", ""),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
