package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "TOPICFORGE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "TOPICFORGE_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "ollama.base_url", typ: kString, env: "TOPICFORGE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "models.embedding", typ: kString, env: "TOPICFORGE_MODELS_EMBEDDING",
		apply:   func(cfg *Config, v any) { cfg.Models.Embedding = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Embedding },
	},
	{
		key: "models.generator", typ: kString, env: "TOPICFORGE_MODELS_GENERATOR",
		apply:   func(cfg *Config, v any) { cfg.Models.Generator = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Generator },
	},
	{
		key: "models.evaluator", typ: kString, env: "TOPICFORGE_MODELS_EVALUATOR",
		apply:   func(cfg *Config, v any) { cfg.Models.Evaluator = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Evaluator },
	},
	{
		key: "models.translator", typ: kString, env: "TOPICFORGE_MODELS_TRANSLATOR",
		apply:   func(cfg *Config, v any) { cfg.Models.Translator = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Translator },
	},
	{
		key: "temperature.generator", typ: kFloat, env: "TOPICFORGE_TEMPERATURE_GENERATOR",
		apply:   func(cfg *Config, v any) { cfg.Temperature.Generator = v.(float64) },
		extract: func(cfg Config) any { return cfg.Temperature.Generator },
	},
	{
		key: "temperature.evaluator", typ: kFloat, env: "TOPICFORGE_TEMPERATURE_EVALUATOR",
		apply:   func(cfg *Config, v any) { cfg.Temperature.Evaluator = v.(float64) },
		extract: func(cfg Config) any { return cfg.Temperature.Evaluator },
	},
	{
		key: "temperature.translator", typ: kFloat, env: "TOPICFORGE_TEMPERATURE_TRANSLATOR",
		apply:   func(cfg *Config, v any) { cfg.Temperature.Translator = v.(float64) },
		extract: func(cfg Config) any { return cfg.Temperature.Translator },
	},
	{
		key: "openalex.base_url", typ: kString, env: "TOPICFORGE_OPENALEX_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAlex.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAlex.BaseURL },
	},
	{
		key: "openalex.email", typ: kString, env: "TOPICFORGE_OPENALEX_EMAIL",
		apply:   func(cfg *Config, v any) { cfg.OpenAlex.Email = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAlex.Email },
	},
	{
		key: "openalex.per_page", typ: kInt, env: "TOPICFORGE_OPENALEX_PER_PAGE",
		apply:   func(cfg *Config, v any) { cfg.OpenAlex.PerPage = v.(int) },
		extract: func(cfg Config) any { return cfg.OpenAlex.PerPage },
	},
	{
		key: "openalex.max_retries", typ: kInt, env: "TOPICFORGE_OPENALEX_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.OpenAlex.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.OpenAlex.MaxRetries },
	},
	{
		key: "collector.batch_size", typ: kInt, env: "TOPICFORGE_COLLECTOR_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Collector.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Collector.BatchSize },
	},
	{
		key: "collector.embed_concurrency", typ: kInt, env: "TOPICFORGE_COLLECTOR_EMBED_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Collector.EmbedConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Collector.EmbedConcurrency },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "TOPICFORGE_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "ask.max_context_tokens", typ: kInt, env: "TOPICFORGE_ASK_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Ask.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Ask.MaxContextTokens },
	},
	{
		key: "ask.rerank", typ: kBool, env: "TOPICFORGE_ASK_RERANK",
		apply:   func(cfg *Config, v any) { cfg.Ask.Rerank = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ask.Rerank },
	},
	{
		key: "ask.rerank_threshold", typ: kFloat, env: "TOPICFORGE_ASK_RERANK_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Ask.RerankThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Ask.RerankThreshold },
	},
	{
		key: "ask.rerank_timeout", typ: kString, env: "TOPICFORGE_ASK_RERANK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ask.RerankTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Ask.RerankTimeout },
	},
	{
		key: "residency.verify_timeout", typ: kString, env: "TOPICFORGE_RESIDENCY_VERIFY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Residency.VerifyTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Residency.VerifyTimeout },
	},
	{
		key: "residency.eager_unload", typ: kBool, env: "TOPICFORGE_RESIDENCY_EAGER_UNLOAD",
		apply:   func(cfg *Config, v any) { cfg.Residency.EagerUnload = v.(bool) },
		extract: func(cfg Config) any { return cfg.Residency.EagerUnload },
	},
	{
		key: "pipeline.paper_limit", typ: kInt, env: "TOPICFORGE_PIPELINE_PAPER_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.PaperLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.PaperLimit },
	},
	{
		key: "pipeline.topic_count", typ: kInt, env: "TOPICFORGE_PIPELINE_TOPIC_COUNT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.TopicCount = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.TopicCount },
	},
	{
		key: "pipeline.target_language", typ: kString, env: "TOPICFORGE_PIPELINE_TARGET_LANGUAGE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.TargetLanguage = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.TargetLanguage },
	},
	{
		key: "output.dir", typ: kString, env: "TOPICFORGE_OUTPUT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Output.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Output.Dir },
	},
	{
		key: "output.csv_dir", typ: kString, env: "TOPICFORGE_OUTPUT_CSV_DIR",
		apply:   func(cfg *Config, v any) { cfg.Output.CSVDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Output.CSVDir },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TOPICFORGE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "TOPICFORGE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
