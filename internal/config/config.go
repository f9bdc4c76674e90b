package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration rejected before any work starts.
var ErrInvalid = errors.New("invalid configuration")

// MaxFragmentSize caps pipeline.fragment_size at ten minutes of 16 kHz audio.
const MaxFragmentSize = 16000 * 60 * 10

// Variants lists the accepted model sizes, smallest first.
var Variants = []string{"tiny", "base", "small", "medium", "large"}

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"` // json, text
	Traces       string `yaml:"traces"`     // none, stdout, otlp
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
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Engine      EngineConfig     `yaml:"engine"`
	Normalizer  NormalizerConfig `yaml:"normalizer"`
	Output      OutputConfig     `yaml:"output"`
	Watch       WatchConfig      `yaml:"watch"`
	Journal     JournalConfig    `yaml:"journal"`
	Bus         BusConfig        `yaml:"bus"`
	Cache       CacheConfig      `yaml:"cache"`
}

type PipelineConfig struct {
	FragmentSize int    `yaml:"fragment_size"` // samples at 16 kHz
	MaxWorkers   int    `yaml:"max_workers"`   // 0 = half the CPUs
	TempDir      string `yaml:"temp_dir"`
}

type EngineConfig struct {
	Backend   string        `yaml:"backend"` // whisper, exec, openai, gemini, mock
	Variant   string        `yaml:"variant"`
	Serialize bool          `yaml:"serialize"`
	Language  string        `yaml:"language"`
	Exec      ExecConfig    `yaml:"exec"`
	Whisper   WhisperConfig `yaml:"whisper"`
	OpenAI    OpenAIConfig  `yaml:"openai"`
	Gemini    GeminiConfig  `yaml:"gemini"`
}

type ExecConfig struct {
	Command string `yaml:"command"`
}

type WhisperConfig struct {
	ModelDir string `yaml:"model_dir"`
	Threads  int    `yaml:"threads"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type NormalizerConfig struct {
	FFmpegPath string `yaml:"ffmpeg_path"`
}

type OutputConfig struct {
	Path string `yaml:"path"`
	Docx bool   `yaml:"docx"`
}

type WatchConfig struct {
	InputDir      string `yaml:"input_dir"`
	OutputDir     string `yaml:"output_dir"`
	ArchiveDir    string `yaml:"archive_dir"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type CacheConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTLHours int    `yaml:"ttl_hours"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			Traces:       "none",
			OTLPInsecure: true,
		},
		Pipeline: PipelineConfig{
			FragmentSize: 32000,
		},
		Engine: EngineConfig{
			Backend: "whisper",
			Variant: "medium",
			Whisper: WhisperConfig{
				ModelDir: "./models",
			},
			OpenAI: OpenAIConfig{
				Model: "whisper-1",
			},
			Gemini: GeminiConfig{
				Model: "gemini-2.5-flash",
			},
		},
		Normalizer: NormalizerConfig{
			FFmpegPath: "ffmpeg",
		},
		Output: OutputConfig{
			Path: "./Output/Output.txt",
		},
		Watch: WatchConfig{
			InputDir:      "./inbox",
			OutputDir:     "./Output",
			MaxConcurrent: 1,
		},
		Journal: JournalConfig{
			Path:          "./data/loqa-scribe.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRuns:       1000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "scribe",
		},
		Cache: CacheConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			TTLHours: 24 * 7,
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
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Workers resolves the effective worker count: max_workers when set,
// otherwise half the available CPUs, never less than one.
func (c Config) Workers() int {
	if c.Pipeline.MaxWorkers > 0 {
		return c.Pipeline.MaxWorkers
	}
	return DefaultWorkers(runtime.NumCPU())
}

// DefaultWorkers returns half of cpus, with a floor of one.
func DefaultWorkers(cpus int) int {
	return max(1, cpus/2)
}

// ValidVariant reports whether v names a known model size.
func ValidVariant(v string) bool {
	for _, known := range Variants {
		if v == known {
			return true
		}
	}
	return false
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_SCRIBE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_SCRIBE_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.Traces, "LOQA_SCRIBE_TELEMETRY_TRACES")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideInt(&cfg.Pipeline.FragmentSize, "LOQA_SCRIBE_PIPELINE_FRAGMENT_SIZE")
	overrideInt(&cfg.Pipeline.MaxWorkers, "LOQA_SCRIBE_PIPELINE_MAX_WORKERS")
	overrideString(&cfg.Pipeline.TempDir, "LOQA_SCRIBE_PIPELINE_TEMP_DIR")
	overrideString(&cfg.Engine.Backend, "LOQA_SCRIBE_ENGINE_BACKEND")
	overrideString(&cfg.Engine.Variant, "LOQA_SCRIBE_ENGINE_VARIANT")
	overrideBool(&cfg.Engine.Serialize, "LOQA_SCRIBE_ENGINE_SERIALIZE")
	overrideString(&cfg.Engine.Language, "LOQA_SCRIBE_ENGINE_LANGUAGE")
	overrideString(&cfg.Engine.Exec.Command, "LOQA_SCRIBE_ENGINE_EXEC_COMMAND")
	overrideString(&cfg.Engine.Whisper.ModelDir, "LOQA_SCRIBE_ENGINE_WHISPER_MODEL_DIR")
	overrideInt(&cfg.Engine.Whisper.Threads, "LOQA_SCRIBE_ENGINE_WHISPER_THREADS")
	overrideString(&cfg.Engine.OpenAI.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Engine.OpenAI.APIKey, "LOQA_SCRIBE_ENGINE_OPENAI_API_KEY")
	overrideString(&cfg.Engine.OpenAI.BaseURL, "LOQA_SCRIBE_ENGINE_OPENAI_BASE_URL")
	overrideString(&cfg.Engine.OpenAI.Model, "LOQA_SCRIBE_ENGINE_OPENAI_MODEL")
	overrideString(&cfg.Engine.Gemini.APIKey, "GEMINI_API_KEY")
	overrideString(&cfg.Engine.Gemini.APIKey, "LOQA_SCRIBE_ENGINE_GEMINI_API_KEY")
	overrideString(&cfg.Engine.Gemini.Model, "LOQA_SCRIBE_ENGINE_GEMINI_MODEL")
	overrideString(&cfg.Engine.Gemini.BaseURL, "LOQA_SCRIBE_ENGINE_GEMINI_BASE_URL")
	overrideString(&cfg.Normalizer.FFmpegPath, "LOQA_SCRIBE_NORMALIZER_FFMPEG_PATH")
	overrideString(&cfg.Output.Path, "LOQA_SCRIBE_OUTPUT_PATH")
	overrideBool(&cfg.Output.Docx, "LOQA_SCRIBE_OUTPUT_DOCX")
	overrideString(&cfg.Watch.InputDir, "LOQA_SCRIBE_WATCH_INPUT_DIR")
	overrideString(&cfg.Watch.OutputDir, "LOQA_SCRIBE_WATCH_OUTPUT_DIR")
	overrideString(&cfg.Watch.ArchiveDir, "LOQA_SCRIBE_WATCH_ARCHIVE_DIR")
	overrideInt(&cfg.Watch.MaxConcurrent, "LOQA_SCRIBE_WATCH_MAX_CONCURRENT")
	overrideString(&cfg.Journal.Path, "LOQA_SCRIBE_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "LOQA_SCRIBE_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "LOQA_SCRIBE_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxRuns, "LOQA_SCRIBE_JOURNAL_MAX_RUNS")
	overrideBool(&cfg.Journal.VacuumOnStart, "LOQA_SCRIBE_JOURNAL_VACUUM_ON_START")
	overrideBool(&cfg.Bus.Enabled, "LOQA_SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_SCRIBE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_SCRIBE_BUS_SUBJECT_PREFIX")
	overrideBool(&cfg.Cache.Enabled, "LOQA_SCRIBE_CACHE_ENABLED")
	overrideString(&cfg.Cache.Addr, "LOQA_SCRIBE_CACHE_ADDR")
	overrideString(&cfg.Cache.Password, "LOQA_SCRIBE_CACHE_PASSWORD")
	overrideInt(&cfg.Cache.DB, "LOQA_SCRIBE_CACHE_DB")
	overrideInt(&cfg.Cache.TTLHours, "LOQA_SCRIBE_CACHE_TTL_HOURS")
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

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalid, msg)
}

// Validate checks the configuration; every error wraps ErrInvalid.
func (c Config) Validate() error {
	if c.RuntimeName == "" {
		return invalid("runtime_name must not be empty")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return invalid("http.port must be between 1 and 65535")
	}
	switch c.Telemetry.LogFormat {
	case "json", "text":
	default:
		return invalid("telemetry.log_format must be one of json|text")
	}
	switch c.Telemetry.Traces {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(c.Telemetry.OTLPEndpoint) == "" {
			return invalid("telemetry.otlp_endpoint must be set when traces=otlp")
		}
	default:
		return invalid("telemetry.traces must be one of none|stdout|otlp")
	}
	if c.Pipeline.FragmentSize <= 0 {
		return invalid("pipeline.fragment_size must be positive")
	}
	if c.Pipeline.FragmentSize > MaxFragmentSize {
		return invalid(fmt.Sprintf("pipeline.fragment_size must not exceed %d samples", MaxFragmentSize))
	}
	if c.Pipeline.MaxWorkers < 0 {
		return invalid("pipeline.max_workers must be >= 0")
	}
	if !ValidVariant(c.Engine.Variant) {
		return invalid("engine.variant must be one of " + strings.Join(Variants, "|"))
	}
	switch c.Engine.Backend {
	case "whisper", "mock":
	case "exec":
		if c.Engine.Exec.Command == "" {
			return invalid("engine.exec.command must be set when backend=exec")
		}
	case "openai":
		if c.Engine.OpenAI.APIKey == "" && c.Engine.OpenAI.BaseURL == "" {
			return invalid("engine.openai.api_key must be set when backend=openai")
		}
	case "gemini":
		if c.Engine.Gemini.APIKey == "" {
			return invalid("engine.gemini.api_key must be set when backend=gemini")
		}
	default:
		return invalid("engine.backend must be one of whisper|exec|openai|gemini|mock")
	}
	if c.Engine.Whisper.Threads < 0 {
		return invalid("engine.whisper.threads must be >= 0")
	}
	if c.Normalizer.FFmpegPath == "" {
		return invalid("normalizer.ffmpeg_path must not be empty")
	}
	if c.Output.Path == "" {
		return invalid("output.path must not be empty")
	}
	if c.Watch.MaxConcurrent <= 0 {
		return invalid("watch.max_concurrent must be >= 1")
	}
	switch c.Journal.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if c.Journal.Path == "" {
			return invalid("journal.path must not be empty")
		}
	default:
		return invalid("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if c.Journal.RetentionDays < 0 {
		return invalid("journal.retention_days must be >= 0")
	}
	if c.Bus.Enabled {
		if c.Bus.Embedded {
			if c.Bus.Port <= 0 || c.Bus.Port > 65535 {
				return invalid("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(c.Bus.Servers) == 0 {
			return invalid("bus.servers must not be empty when embedded mode is disabled")
		}
		if c.Bus.SubjectPrefix == "" {
			return invalid("bus.subject_prefix must not be empty")
		}
	}
	if c.Cache.Enabled {
		if c.Cache.Addr == "" {
			return invalid("cache.addr must not be empty when cache is enabled")
		}
		if c.Cache.TTLHours < 0 {
			return invalid("cache.ttl_hours must be >= 0")
		}
	}
	return nil
}
