package config

import (
	"errors"
	"strconv"
	"strings"
	"testing"
)

// mapBackend is an in-memory ConfigBackend.
type mapBackend map[string]string

func (m mapBackend) GetString(key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	i, err := strconv.Atoi(v)
	return i, true, err
}

func (m mapBackend) SetString(key, val string) error { m[key] = val; return nil }
func (m mapBackend) SetInt(key string, val int) error {
	m[key] = strconv.Itoa(val)
	return nil
}
func (m mapBackend) Delete(key string) error { delete(m, key); return nil }

// mockKeychain is a test double for the Keychain interface.
type mockKeychain struct {
	values map[string]string
	err    error
}

func (m *mockKeychain) Get(service, account string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.values[service+"/"+account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *mockKeychain) Set(service, account, value string) error {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[service+"/"+account] = value
	return nil
}

// TestDefaults verifies all default values are applied when the backend is empty.
func TestDefaults(t *testing.T) {
	cfg, err := loadWith(mapBackend{}, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q, want %q", cfg.Ollama.BaseURL, "http://localhost:11434")
	}
	if cfg.Models.Embedding != "nomic-embed-text:latest" {
		t.Errorf("Models.Embedding = %q", cfg.Models.Embedding)
	}
	if cfg.Models.Evaluator != cfg.Models.Translator {
		t.Errorf("evaluator %q and translator %q should share a model by default", cfg.Models.Evaluator, cfg.Models.Translator)
	}
	if cfg.Temperature.Generator != 0.3 {
		t.Errorf("Temperature.Generator = %v, want 0.3", cfg.Temperature.Generator)
	}
	if cfg.Pipeline.PaperLimit != 200 || cfg.Pipeline.TopicCount != 5 {
		t.Errorf("Pipeline = %+v", cfg.Pipeline)
	}
	if cfg.OpenAlex.BaseURL != "https://api.openalex.org/works" {
		t.Errorf("OpenAlex.BaseURL = %q", cfg.OpenAlex.BaseURL)
	}
	if cfg.VerifyTimeout().Seconds() != 30 {
		t.Errorf("VerifyTimeout = %v, want 30s", cfg.VerifyTimeout())
	}
	if cfg.Server.Token != "" {
		t.Errorf("Server.Token = %q, want empty", cfg.Server.Token)
	}
}

// TestBackendValues verifies that every value type is read from the backend.
func TestBackendValues(t *testing.T) {
	b := mapBackend{
		"server.port":                 "5000",
		"ollama.base_url":             "http://custom:11434",
		"models.generator":            "qwen3:8b",
		"temperature.evaluator":       "0.1",
		"ask.rerank":                  "true",
		"residency.verify_timeout":    "5s",
		"pipeline.target_language":    "ko",
		"storage.data_dir":            "/tmp/topicforge-test",
		"collector.embed_concurrency": "4",
	}

	cfg, err := loadWith(b, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://custom:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Models.Generator != "qwen3:8b" {
		t.Errorf("Models.Generator = %q", cfg.Models.Generator)
	}
	if cfg.Temperature.Evaluator != 0.1 {
		t.Errorf("Temperature.Evaluator = %v", cfg.Temperature.Evaluator)
	}
	if !cfg.Ask.Rerank {
		t.Error("Ask.Rerank = false, want true")
	}
	if cfg.VerifyTimeout().Seconds() != 5 {
		t.Errorf("VerifyTimeout = %v", cfg.VerifyTimeout())
	}
	if cfg.Pipeline.TargetLanguage != "ko" {
		t.Errorf("Pipeline.TargetLanguage = %q", cfg.Pipeline.TargetLanguage)
	}
	if cfg.LockPath() != "/tmp/topicforge-test/run.lock" {
		t.Errorf("LockPath = %q", cfg.LockPath())
	}
	if cfg.Collector.EmbedConcurrency != 4 {
		t.Errorf("Collector.EmbedConcurrency = %d", cfg.Collector.EmbedConcurrency)
	}
}

// TestEnvOverride verifies that environment variables override backend values.
func TestEnvOverride(t *testing.T) {
	t.Setenv("TOPICFORGE_MODELS_EVALUATOR", "gemma3:12b")
	t.Setenv("TOPICFORGE_PIPELINE_TOPIC_COUNT", "3")
	t.Setenv("TOPICFORGE_TEMPERATURE_TRANSLATOR", "0.5")
	t.Setenv("TOPICFORGE_RESIDENCY_EAGER_UNLOAD", "true")

	cfg, err := loadWith(mapBackend{"models.evaluator": "gpt-oss:20b", "pipeline.topic_count": "8"}, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Models.Evaluator != "gemma3:12b" {
		t.Errorf("Models.Evaluator = %q, want env value", cfg.Models.Evaluator)
	}
	if cfg.Pipeline.TopicCount != 3 {
		t.Errorf("Pipeline.TopicCount = %d, want 3", cfg.Pipeline.TopicCount)
	}
	if cfg.Temperature.Translator != 0.5 {
		t.Errorf("Temperature.Translator = %v", cfg.Temperature.Translator)
	}
	if !cfg.Residency.EagerUnload {
		t.Error("Residency.EagerUnload = false, want true")
	}
}

// TestEnvOverride_Malformed verifies that an unparseable env value keeps the default.
func TestEnvOverride_Malformed(t *testing.T) {
	t.Setenv("TOPICFORGE_SERVER_PORT", "not-a-port")

	cfg, err := loadWith(mapBackend{}, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default 4100", cfg.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		backend mapBackend
		want    string
	}{
		{"bad duration", mapBackend{"residency.verify_timeout": "soon"}, "residency.verify_timeout"},
		{"zero batch", mapBackend{"collector.batch_size": "0"}, "collector.batch_size"},
		{"negative retries", mapBackend{"openalex.max_retries": "-1"}, "openalex.max_retries"},
		{"empty model", mapBackend{"models.generator": " "}, "models.generator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadWith(tt.backend, &mockKeychain{})
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

// TestTokenFromKeychain verifies the keychain is consulted when no token is in env.
func TestTokenFromKeychain(t *testing.T) {
	t.Setenv("TOPICFORGE_SERVER_TOKEN", "")
	kc := &mockKeychain{values: map[string]string{"topicforge/api_token": "keychain-secret"}}

	cfg, err := loadWith(mapBackend{}, kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Token != "keychain-secret" {
		t.Errorf("Server.Token = %q, want %q", cfg.Server.Token, "keychain-secret")
	}
}

// TestTokenEnvWins verifies the env token overrides the keychain.
func TestTokenEnvWins(t *testing.T) {
	t.Setenv("TOPICFORGE_SERVER_TOKEN", "env-token")
	kc := &mockKeychain{values: map[string]string{"topicforge/api_token": "keychain-secret"}}

	cfg, err := loadWith(mapBackend{}, kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Token != "env-token" {
		t.Errorf("Server.Token = %q, want %q", cfg.Server.Token, "env-token")
	}
}

func TestEnsureAPIToken(t *testing.T) {
	kc := &mockKeychain{}

	first, err := EnsureAPIToken(kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(first))
	}

	second, err := EnsureAPIToken(kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != first {
		t.Errorf("second call generated a new token: %q != %q", second, first)
	}
}

func TestSetKey(t *testing.T) {
	b := mapBackend{}

	if err := setKey(b, "pipeline.topic_count", "7"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := setKey(b, "ask.rerank", "true"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b["pipeline.topic_count"] != "7" || b["ask.rerank"] != "true" {
		t.Errorf("backend = %v", b)
	}

	for key, value := range map[string]string{
		"pipeline.topic_count":     "many",
		"ask.rerank":               "sometimes",
		"temperature.generator":    "warm",
		"residency.verify_timeout": "soon",
		"no.such_key":              "x",
		"server.token":             "secret",
	} {
		if err := setKey(b, key, value); err == nil {
			t.Errorf("setKey(%q, %q) succeeded, want error", key, value)
		}
	}
}

func TestShowAll_HidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Server.Token = "hidden"

	keys := ShowAll(cfg)
	if len(keys) != len(ValidKeys()) {
		t.Errorf("ShowAll returned %d keys, ValidKeys %d", len(keys), len(ValidKeys()))
	}
	for _, k := range keys {
		if k.Key == "server.token" || k.Value == "hidden" {
			t.Fatalf("secret leaked: %+v", k)
		}
		if !strings.HasPrefix(k.EnvVar, "TOPICFORGE_") {
			t.Errorf("%s env var = %q", k.Key, k.EnvVar)
		}
	}
}
