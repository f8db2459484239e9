// Package config loads the client configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the complete client configuration.
type Config struct {
	Service       ServiceConfig
	Recognizer    RecognizerConfig
	TokenIssuer   TokenIssuerConfig
	Capture       CaptureConfig
	Chunker       ChunkerConfig
	Reconnect     ReconnectConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// ServiceConfig identifies this client.
type ServiceConfig struct {
	Principal string
	// SessionID is the caller's correlation id; generated per session when empty.
	SessionID string
	HTTPAddr  string
}

// RecognizerConfig selects and parameterizes the streaming recognizer.
type RecognizerConfig struct {
	// Provider is one of websocket, google, mock.
	Provider      string
	URL           string
	LanguageCode  string
	SampleRateHz  int
	KeyTerms      []string
	FormatTurns   bool
	AudioEncoding string
	// APIKey is used as a static credential when no token issuer is configured.
	APIKey string
}

// TokenIssuerConfig points at the collaborator that issues streaming credentials.
type TokenIssuerConfig struct {
	URL     string
	Timeout time.Duration
}

// CaptureConfig configures the microphone.
type CaptureConfig struct {
	FrameSamples     int
	DeviceName       string
	EchoCancellation bool
	NoiseSuppression bool
}

// ChunkerConfig sets the transmit threshold and send queue depth.
type ChunkerConfig struct {
	MinDuration time.Duration
	// QueueDuration is how much audio the send queue holds while the
	// recognizer is slow. Chunks beyond it are dropped, never blocking capture.
	QueueDuration time.Duration
	// QueueSize overrides the depth derived from QueueDuration when positive.
	QueueSize int
}

// QueueDepth returns the send queue capacity in chunks.
func (c ChunkerConfig) QueueDepth() int {
	if c.QueueSize > 0 {
		return c.QueueSize
	}
	if c.MinDuration <= 0 || c.QueueDuration <= 0 {
		return 1
	}
	n := int((c.QueueDuration + c.MinDuration - 1) / c.MinDuration)
	if n < 1 {
		n = 1
	}
	return n
}

// ReconnectConfig holds reconnection timings.
type ReconnectConfig struct {
	Delay          time.Duration
	CapacityDelay  time.Duration
	MaxAttempts    int
	ConnectTimeout time.Duration
}

// KafkaConfig configures the transcript hand-off.
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Principal    string
}

// ObservabilityConfig configures logging and metrics.
type ObservabilityConfig struct {
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

// Load reads the configuration from the environment. Malformed values fall
// back to their defaults.
func Load() *Config {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-live-captions")

	return &Config{
		Service: ServiceConfig{
			Principal: principal,
			SessionID: os.Getenv("SESSION_ID"),
			HTTPAddr:  envOrDefault("HTTP_ADDR", ":8080"),
		},
		Recognizer: RecognizerConfig{
			Provider:      envOrDefault("STT_PROVIDER", "mock"),
			URL:           envOrDefault("STT_URL", "wss://streaming.assemblyai.com/v3/ws"),
			LanguageCode:  envOrDefault("STT_LANGUAGE_CODE", "en"),
			SampleRateHz:  envOrDefaultInt("STT_SAMPLE_RATE_HZ", 16000),
			KeyTerms:      envOrDefaultList("STT_KEY_TERMS", nil),
			FormatTurns:   envOrDefaultBool("STT_FORMAT_TURNS", true),
			AudioEncoding: envOrDefault("STT_AUDIO_ENCODING", "LINEAR16"),
			APIKey:        os.Getenv("STT_API_KEY"),
		},
		TokenIssuer: TokenIssuerConfig{
			URL:     os.Getenv("TOKEN_ISSUER_URL"),
			Timeout: envOrDefaultDuration("TOKEN_ISSUER_TIMEOUT", 5*time.Second),
		},
		Capture: CaptureConfig{
			FrameSamples:     envOrDefaultInt("CAPTURE_FRAME_SAMPLES", 4096),
			DeviceName:       os.Getenv("CAPTURE_DEVICE"),
			EchoCancellation: envOrDefaultBool("CAPTURE_ECHO_CANCELLATION", true),
			NoiseSuppression: envOrDefaultBool("CAPTURE_NOISE_SUPPRESSION", true),
		},
		Chunker: ChunkerConfig{
			MinDuration:   envOrDefaultDuration("CHUNK_MIN_DURATION", 500*time.Millisecond),
			QueueDuration: envOrDefaultDuration("CHUNK_QUEUE_DURATION", 8*time.Second),
			QueueSize:     envOrDefaultInt("CHUNK_QUEUE_SIZE", 0),
		},
		Reconnect: ReconnectConfig{
			Delay:          envOrDefaultDuration("RECONNECT_DELAY", 2*time.Second),
			CapacityDelay:  envOrDefaultDuration("RECONNECT_CAPACITY_DELAY", 5*time.Second),
			MaxAttempts:    envOrDefaultInt("RECONNECT_MAX_ATTEMPTS", 10),
			ConnectTimeout: envOrDefaultDuration("CONNECT_TIMEOUT", 10*time.Second),
		},
		Kafka: KafkaConfig{
			Enabled:      envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:      envOrDefaultList("KAFKA_BROKERS", []string{"localhost:9092"}),
			TopicPartial: envOrDefault("KAFKA_TOPIC_PARTIAL", "session.transcript.partial"),
			TopicFinal:   envOrDefault("KAFKA_TOPIC_FINAL", "session.transcript.final"),
			Principal:    envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Observability: ObservabilityConfig{
			LogLevel:    envOrDefault("LOG_LEVEL", "info"),
			LogFormat:   envOrDefault("LOG_FORMAT", "json"),
			MetricsAddr: envOrDefault("METRICS_ADDR", ":9090"),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// envOrDefaultList splits a comma-separated value, dropping empty items.
func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
