package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"supportrag/internal/domain"
	"supportrag/internal/ranking"
)

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs" validate:"gte=0"`
	BatchSize   int    `yaml:"batch_size" validate:"gte=0"`
	MaxRetries  int    `yaml:"max_retries" validate:"gte=0,lte=10"`
	Dimension   int    `yaml:"dimension" validate:"gte=0"`
}

// HashingEmbedderConfig configures the offline feature-hashing embedder.
type HashingEmbedderConfig struct {
	Dimension int `yaml:"dimension" validate:"gte=0"`
}

// EmbedderConfig selects and configures the text embedder implementation.
type EmbedderConfig struct {
	Type    string                 `yaml:"type" validate:"oneof=hashing openai"`
	OpenAI  *OpenAIEmbedderConfig  `yaml:"openai,omitempty" validate:"required_if=Type openai"`
	Hashing *HashingEmbedderConfig `yaml:"hashing,omitempty"`
}

// GeneratorConfig configures the chat model used for answers and the relevance check.
type GeneratorConfig struct {
	Type        string `yaml:"type" validate:"oneof=openai none"`
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model" validate:"required_if=Type openai"`
	TimeoutSecs int    `yaml:"timeout_secs" validate:"gte=0"`
}

// StoreConfig locates the persisted chunk store.
type StoreConfig struct {
	Dir         string `yaml:"dir" validate:"required"`
	VectorsFile string `yaml:"vectors_file"`
	MetaFile    string `yaml:"meta_file"`
}

// RetrievalConfig holds the recommendation pipeline parameters.
type RetrievalConfig struct {
	ChunkHitsK   int      `yaml:"chunk_hits_k" validate:"gte=1"`
	Aggregation  string   `yaml:"aggregation" validate:"oneof=max mean hybrid"`
	Alpha        float64  `yaml:"alpha" validate:"gte=0,lte=1"`
	KeywordBoost float64  `yaml:"keyword_boost" validate:"gte=0"`
	Keywords     []string `yaml:"keywords"`
	TitleBoost   float64  `yaml:"title_boost" validate:"gte=0"`
	Threshold    float64  `yaml:"threshold" validate:"gte=0,lte=1"`
	TopK         int      `yaml:"top_k" validate:"gte=1"`
	SnippetLen   int      `yaml:"snippet_len" validate:"gte=1"`
}

// AnswerConfig holds the grounded answer parameters.
type AnswerConfig struct {
	TopK             int     `yaml:"top_k" validate:"gte=1"`
	MaxPromptChunks  int     `yaml:"max_prompt_chunks" validate:"gte=1"`
	GateThreshold    float64 `yaml:"gate_threshold" validate:"gte=0,lte=1"`
	HistoryTurns     int     `yaml:"history_turns" validate:"gte=0"`
	GateHistoryTurns int     `yaml:"gate_history_turns" validate:"gte=0"`
	MaxTokens        int     `yaml:"max_tokens" validate:"gte=1"`
	ProductName      string  `yaml:"product_name" validate:"required"`
}

// ChunkerConfig configures how articles are split into chunks.
type ChunkerConfig struct {
	MaxChars int `yaml:"max_chars" validate:"gte=1"`
}

// QueryLogConfig selects where recommendation calls are recorded.
type QueryLogConfig struct {
	Type string `yaml:"type" validate:"oneof=none file sqlite postgres"`
	Path string `yaml:"path" validate:"required_if=Type file"`
	DSN  string `yaml:"dsn" validate:"required_if=Type sqlite,required_if=Type postgres"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
	File   string `yaml:"file"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Embedder  EmbedderConfig  `yaml:"embedder"`
	Generator GeneratorConfig `yaml:"generator"`
	Store     StoreConfig     `yaml:"store"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Answer    AnswerConfig    `yaml:"answer"`
	Chunker   ChunkerConfig   `yaml:"chunker"`
	QueryLog  QueryLogConfig  `yaml:"query_log"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyConfigDefaults(cfg)
	return cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/supportrag/config.yaml.
// If neither exists, it writes defaults to ~/.config/supportrag/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := Default()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks field constraints and reports every violation at once.
func (c *AppConfig) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		name := strings.TrimPrefix(fe.Namespace(), "AppConfig.")
		fields[name] = fmt.Sprintf("%s failed %q", name, fe.Tag())
	}
	return &domain.ValidationError{Fields: fields}
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "supportrag", "config.yaml"), nil
}

// Default returns the configuration used when no file is present.
func Default() *AppConfig {
	return &AppConfig{
		Embedder: EmbedderConfig{
			Type:    "hashing",
			Hashing: &HashingEmbedderConfig{Dimension: 384},
		},
		Generator: GeneratorConfig{
			Type:        "openai",
			BaseURL:     "https://api.openai.com/v1",
			APIKeyEnv:   "OPENAI_API_KEY",
			Model:       "gpt-4o-mini",
			TimeoutSecs: 30,
		},
		Store: StoreConfig{Dir: "data"},
		Retrieval: RetrievalConfig{
			ChunkHitsK:   12,
			Aggregation:  "hybrid",
			Alpha:        0.7,
			KeywordBoost: 0.03,
			Keywords:     append([]string(nil), ranking.DefaultKeywords...),
			TitleBoost:   0.03,
			Threshold:    0.30,
			TopK:         3,
			SnippetLen:   200,
		},
		Answer: AnswerConfig{
			TopK:             5,
			MaxPromptChunks:  3,
			GateThreshold:    0.25,
			HistoryTurns:     5,
			GateHistoryTurns: 3,
			MaxTokens:        512,
			ProductName:      "Owntrail",
		},
		Chunker:  ChunkerConfig{MaxChars: 400},
		QueryLog: QueryLogConfig{Type: "file", Path: "logs/recommendations.jsonl"},
		Logging:  LoggingConfig{Level: "info", Format: "console"},
	}
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Embedder.Type == "openai" && cfg.Embedder.OpenAI != nil {
		if cfg.Embedder.OpenAI.BaseURL == "" {
			cfg.Embedder.OpenAI.BaseURL = "https://api.openai.com/v1"
		}
		if cfg.Embedder.OpenAI.APIKeyEnv == "" {
			cfg.Embedder.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
		}
		if cfg.Embedder.OpenAI.Model == "" {
			cfg.Embedder.OpenAI.Model = "text-embedding-3-small"
		}
		if cfg.Embedder.OpenAI.TimeoutSecs == 0 {
			cfg.Embedder.OpenAI.TimeoutSecs = 30
		}
		if cfg.Embedder.OpenAI.BatchSize == 0 {
			cfg.Embedder.OpenAI.BatchSize = 32
		}
	}
	if cfg.Embedder.Type == "hashing" && cfg.Embedder.Hashing == nil {
		cfg.Embedder.Hashing = &HashingEmbedderConfig{Dimension: 384}
	}
	if cfg.Generator.APIKeyEnv == "" {
		cfg.Generator.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Generator.TimeoutSecs == 0 {
		cfg.Generator.TimeoutSecs = 30
	}
	if len(cfg.Retrieval.Keywords) == 0 {
		cfg.Retrieval.Keywords = append([]string(nil), ranking.DefaultKeywords...)
	}
}
