package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	Traces       string `yaml:"traces"` // none, stdout, otlp
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	Inference   InferenceConfig  `yaml:"inference"`
	Captions    CaptionsConfig   `yaml:"captions"`
}

type BusConfig struct {
	Embedded        bool     `yaml:"embedded"`
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	StoreDir        string   `yaml:"store_dir"`
	Servers         []string `yaml:"servers"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	Token           string   `yaml:"token"`
	TLSInsecure     bool     `yaml:"tls_insecure"`
	ConnectTimeout  int      `yaml:"connect_timeout_ms"`
	MaxPayloadBytes int      `yaml:"max_payload_bytes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CaptureDevice struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
}

type CaptureConfig struct {
	Mode          string          `yaml:"mode"` // exec
	RecordCommand string          `yaml:"record_command"`
	ListCommand   string          `yaml:"list_command"`
	Devices       []CaptureDevice `yaml:"devices"`
	DefaultDevice string          `yaml:"default_device"`
	MimeType      string          `yaml:"mime_type"`
	SampleRate    int             `yaml:"sample_rate"`
	RetryDelayMS  int             `yaml:"retry_delay_ms"`
}

type InferenceConfig struct {
	Mode           string `yaml:"mode"`   // local, worker, nats
	Engine         string `yaml:"engine"` // mock, exec
	Command        string `yaml:"command"`
	ModelID        string `yaml:"model_id"`
	ModelPath      string `yaml:"model_path"`
	Warmup         bool   `yaml:"warmup"`
	WorkerCommand  string `yaml:"worker_command"`
	RequestSubject string `yaml:"request_subject"`
	MaxNewTokens   int    `yaml:"max_new_tokens"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	LogRequests    bool   `yaml:"log_requests"`
}

type CaptionsConfig struct {
	Language           string   `yaml:"language"`
	SampleRate         int      `yaml:"sample_rate"`
	MaxAudioSeconds    int      `yaml:"max_audio_seconds"`
	StabilityThreshold int      `yaml:"stability_threshold"`
	AnnotationPrefixes []string `yaml:"annotation_prefixes"`
	SubscriberBuffer   int      `yaml:"subscriber_buffer"`
}

// MaxSamples is the window cap in samples; zero disables cropping.
func (c CaptionsConfig) MaxSamples() int {
	if c.MaxAudioSeconds <= 0 {
		return 0
	}
	return c.MaxAudioSeconds * c.SampleRate
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-captions",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8085,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			Traces:       "none",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:        true,
			Host:            "127.0.0.1",
			Port:            4223,
			StoreDir:        "",
			Servers:         []string{"nats://127.0.0.1:4223"},
			ConnectTimeout:  2000,
			MaxPayloadBytes: 8 << 20,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-captions.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxSessions:   1000,
		},
		Capture: CaptureConfig{
			Mode:          "exec",
			RecordCommand: "arecord -q -D {device} -f S16_LE -c 1 -r {rate} -t wav",
			DefaultDevice: "default",
			MimeType:      "audio/wav",
			SampleRate:    16000,
			RetryDelayMS:  25,
		},
		Inference: InferenceConfig{
			Mode:           "local",
			Engine:         "mock",
			ModelID:        "whisper-base",
			Warmup:         true,
			WorkerCommand:  "loqa-asr-worker stdio",
			RequestSubject: "asr.request",
			MaxNewTokens:   64,
			TimeoutMS:      60000,
		},
		Captions: CaptionsConfig{
			Language:           "en",
			SampleRate:         16000,
			MaxAudioSeconds:    60,
			StabilityThreshold: 3,
			AnnotationPrefixes: []string{"["},
			SubscriberBuffer:   8,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.Traces, "LOQA_TELEMETRY_TRACES")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.MaxPayloadBytes, "LOQA_BUS_MAX_PAYLOAD_BYTES")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Mode, "LOQA_CAPTURE_MODE")
	overrideString(&cfg.Capture.RecordCommand, "LOQA_CAPTURE_RECORD_COMMAND")
	overrideString(&cfg.Capture.ListCommand, "LOQA_CAPTURE_LIST_COMMAND")
	overrideString(&cfg.Capture.DefaultDevice, "LOQA_CAPTURE_DEFAULT_DEVICE")
	overrideString(&cfg.Capture.MimeType, "LOQA_CAPTURE_MIME_TYPE")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.RetryDelayMS, "LOQA_CAPTURE_RETRY_DELAY_MS")
	overrideString(&cfg.Inference.Mode, "LOQA_INFERENCE_MODE")
	overrideString(&cfg.Inference.Engine, "LOQA_INFERENCE_ENGINE")
	overrideString(&cfg.Inference.Command, "LOQA_INFERENCE_COMMAND")
	overrideString(&cfg.Inference.ModelID, "LOQA_INFERENCE_MODEL_ID")
	overrideString(&cfg.Inference.ModelPath, "LOQA_INFERENCE_MODEL_PATH")
	overrideBool(&cfg.Inference.Warmup, "LOQA_INFERENCE_WARMUP")
	overrideString(&cfg.Inference.WorkerCommand, "LOQA_INFERENCE_WORKER_COMMAND")
	overrideString(&cfg.Inference.RequestSubject, "LOQA_INFERENCE_REQUEST_SUBJECT")
	overrideInt(&cfg.Inference.MaxNewTokens, "LOQA_INFERENCE_MAX_NEW_TOKENS")
	overrideInt(&cfg.Inference.TimeoutMS, "LOQA_INFERENCE_TIMEOUT_MS")
	overrideBool(&cfg.Inference.LogRequests, "LOQA_INFERENCE_LOG_REQUESTS")
	overrideString(&cfg.Captions.Language, "LOQA_CAPTIONS_LANGUAGE")
	overrideInt(&cfg.Captions.SampleRate, "LOQA_CAPTIONS_SAMPLE_RATE")
	overrideInt(&cfg.Captions.MaxAudioSeconds, "LOQA_CAPTIONS_MAX_AUDIO_SECONDS")
	overrideInt(&cfg.Captions.StabilityThreshold, "LOQA_CAPTIONS_STABILITY_THRESHOLD")
	overrideStringSlice(&cfg.Captions.AnnotationPrefixes, "LOQA_CAPTIONS_ANNOTATION_PREFIXES")
	overrideInt(&cfg.Captions.SubscriberBuffer, "LOQA_CAPTIONS_SUBSCRIBER_BUFFER")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.Traces {
	case "none", "stdout", "otlp":
	default:
		return errors.New("telemetry.traces must be one of none|stdout|otlp")
	}
	if cfg.Telemetry.Traces == "otlp" && strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
		return errors.New("telemetry.otlp_endpoint must be set when traces=otlp")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if cfg.Inference.Mode == "nats" && len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Bus.MaxPayloadBytes < 0 {
		return errors.New("bus.max_payload_bytes must be >= 0")
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Capture.Mode {
	case "exec":
		if strings.TrimSpace(cfg.Capture.RecordCommand) == "" {
			return errors.New("capture.record_command must be set when mode=exec")
		}
	default:
		return errors.New("capture.mode must be exec")
	}
	if cfg.Capture.MimeType == "" {
		return errors.New("capture.mime_type must not be empty")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.RetryDelayMS <= 0 {
		return errors.New("capture.retry_delay_ms must be positive")
	}
	switch cfg.Inference.Mode {
	case "local", "worker", "nats":
	default:
		return errors.New("inference.mode must be one of local|worker|nats")
	}
	switch cfg.Inference.Engine {
	case "mock", "exec":
	default:
		return errors.New("inference.engine must be one of mock|exec")
	}
	if cfg.Inference.Mode != "nats" && cfg.Inference.Engine == "exec" && cfg.Inference.Command == "" {
		return errors.New("inference.command must be set when engine=exec")
	}
	if cfg.Inference.Mode == "worker" && cfg.Inference.WorkerCommand == "" {
		return errors.New("inference.worker_command must be set when mode=worker")
	}
	if cfg.Inference.Mode == "nats" && cfg.Inference.RequestSubject == "" {
		return errors.New("inference.request_subject must be set when mode=nats")
	}
	if cfg.Inference.MaxNewTokens <= 0 {
		return errors.New("inference.max_new_tokens must be positive")
	}
	if cfg.Captions.SampleRate <= 0 {
		return errors.New("captions.sample_rate must be positive")
	}
	if cfg.Captions.MaxAudioSeconds < 0 {
		return errors.New("captions.max_audio_seconds must be >= 0")
	}
	if cfg.Captions.StabilityThreshold < 0 {
		return errors.New("captions.stability_threshold must be >= 0")
	}
	if cfg.Captions.Language == "" {
		return errors.New("captions.language must not be empty")
	}
	return nil
}
