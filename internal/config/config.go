package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

type Config struct {
	Server      ServerConfig
	Ollama      OllamaConfig
	Models      ModelsConfig
	Temperature TemperatureConfig
	OpenAlex    OpenAlexConfig
	Collector   CollectorConfig
	Retrieval   RetrievalConfig
	Ask         AskConfig
	Residency   ResidencyConfig
	Pipeline    PipelineConfig
	Output      OutputConfig
	Storage     StorageConfig
	Log         LogConfig
}

type ServerConfig struct {
	Port int
	// Token is the bearer token for the HTTP API. Empty disables auth.
	Token string
}

type OllamaConfig struct {
	BaseURL string
}

// ModelsConfig binds a model to each pipeline role. Roles may share a model.
type ModelsConfig struct {
	Embedding  string
	Generator  string
	Evaluator  string
	Translator string
}

type TemperatureConfig struct {
	Generator  float64
	Evaluator  float64
	Translator float64
}

type OpenAlexConfig struct {
	BaseURL    string
	Email      string
	PerPage    int
	MaxRetries int
}

type CollectorConfig struct {
	BatchSize        int
	EmbedConcurrency int
}

type RetrievalConfig struct {
	TopK int
}

type AskConfig struct {
	MaxContextTokens int
	Rerank           bool
	RerankThreshold  float64
	RerankTimeout    string
}

type ResidencyConfig struct {
	VerifyTimeout string
	EagerUnload   bool
}

type PipelineConfig struct {
	PaperLimit     int
	TopicCount     int
	TargetLanguage string
}

type OutputConfig struct {
	Dir    string
	CSVDir string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Models: ModelsConfig{
			Embedding:  "nomic-embed-text:latest",
			Generator:  "deepseek-r1:14b",
			Evaluator:  "gpt-oss:20b",
			Translator: "gpt-oss:20b",
		},
		Temperature: TemperatureConfig{
			Generator:  0.3,
			Evaluator:  0.3,
			Translator: 0.3,
		},
		OpenAlex: OpenAlexConfig{
			BaseURL:    "https://api.openalex.org/works",
			PerPage:    200,
			MaxRetries: 3,
		},
		Collector: CollectorConfig{
			BatchSize:        16,
			EmbedConcurrency: 2,
		},
		Retrieval: RetrievalConfig{
			TopK: 10,
		},
		Ask: AskConfig{
			MaxContextTokens: 4000,
			RerankThreshold:  0.3,
			RerankTimeout:    "30s",
		},
		Residency: ResidencyConfig{
			VerifyTimeout: "30s",
		},
		Pipeline: PipelineConfig{
			PaperLimit: 200,
			TopicCount: 5,
		},
		Output: OutputConfig{
			Dir:    "results",
			CSVDir: filepath.Join("results", "csv"),
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.topicforge.app).
// On Linux the backend is a JSON file at
// $XDG_CONFIG_HOME/topicforge/config.json.
//
// Environment variables (TOPICFORGE_*) override backend values on all
// platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Server.Token == "" {
		if tok, err := kc.Get(keychainService, tokenAccount); err == nil && tok != "" {
			cfg.Server.Token = tok
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports malformed durations, non-positive sizes and missing role
// models.
func (c Config) Validate() error {
	var problems []string
	for key, d := range map[string]string{
		"ask.rerank_timeout":       c.Ask.RerankTimeout,
		"residency.verify_timeout": c.Residency.VerifyTimeout,
	} {
		if _, err := time.ParseDuration(d); err != nil {
			problems = append(problems, fmt.Sprintf("%s: invalid duration %q", key, d))
		}
	}
	for key, n := range map[string]int{
		"openalex.per_page":           c.OpenAlex.PerPage,
		"collector.batch_size":        c.Collector.BatchSize,
		"collector.embed_concurrency": c.Collector.EmbedConcurrency,
		"retrieval.top_k":             c.Retrieval.TopK,
		"ask.max_context_tokens":      c.Ask.MaxContextTokens,
		"pipeline.paper_limit":        c.Pipeline.PaperLimit,
		"pipeline.topic_count":        c.Pipeline.TopicCount,
		"server.port":                 c.Server.Port,
	} {
		if n <= 0 {
			problems = append(problems, fmt.Sprintf("%s: must be positive, got %d", key, n))
		}
	}
	if c.OpenAlex.MaxRetries < 0 {
		problems = append(problems, fmt.Sprintf("openalex.max_retries: must not be negative, got %d", c.OpenAlex.MaxRetries))
	}
	for key, m := range map[string]string{
		"models.embedding":  c.Models.Embedding,
		"models.generator":  c.Models.Generator,
		"models.evaluator":  c.Models.Evaluator,
		"models.translator": c.Models.Translator,
	} {
		if strings.TrimSpace(m) == "" {
			problems = append(problems, key+": model name is required")
		}
	}
	if len(problems) == 0 {
		return nil
	}
	slices.Sort(problems)
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}

// VerifyTimeout returns residency.verify_timeout as a duration.
func (c Config) VerifyTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Residency.VerifyTimeout)
	return d
}

// RerankTimeout returns ask.rerank_timeout as a duration.
func (c Config) RerankTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Ask.RerankTimeout)
	return d
}

// LockPath is the machine-wide run lock inside the data dir.
func (c Config) LockPath() string {
	return filepath.Join(c.Storage.DataDir, "run.lock")
}
