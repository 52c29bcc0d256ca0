package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Storage   StorageConfig   `yaml:"storage"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Session   SessionConfig   `yaml:"session"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	APIToken string `yaml:"-"`
}

// GatewayConfig configures the OpenAI-compatible model endpoint used for
// embeddings, generation, vision description and transcription.
type GatewayConfig struct {
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"-"`
	EmbedModel        string  `yaml:"embed_model"`
	GenerateModel     string  `yaml:"generate_model"`
	VisionModel       string  `yaml:"vision_model"`
	TranscribeModel   string  `yaml:"transcribe_model"`
	TimeoutSecs       int     `yaml:"timeout_secs"`
	MaxRetries        int     `yaml:"max_retries"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type IngestConfig struct {
	Workers      int `yaml:"workers"`
	PollSecs     int `yaml:"poll_secs"`
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	MaxKeyframes int `yaml:"max_keyframes"`
}

type RetrievalConfig struct {
	FetchK          int     `yaml:"fetch_k"`
	TopK            int     `yaml:"top_k"`
	MaxParaphrases  int     `yaml:"max_paraphrases"`
	RerankEnabled   bool    `yaml:"rerank_enabled"`
	RerankThreshold float64 `yaml:"rerank_threshold"`
}

type SessionConfig struct {
	MaxTurns int `yaml:"max_turns"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Gateway: GatewayConfig{
			BaseURL:           "http://localhost:11434/v1",
			EmbedModel:        "nomic-embed-text",
			GenerateModel:     "mistral-nemo",
			VisionModel:       "llava",
			TranscribeModel:   "whisper-large-v3",
			TimeoutSecs:       120,
			MaxRetries:        3,
			RequestsPerSecond: 4,
			Burst:             8,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Ingest: IngestConfig{
			Workers:      2,
			PollSecs:     2,
			ChunkSize:    500,
			ChunkOverlap: 100,
			MaxKeyframes: 15,
		},
		Retrieval: RetrievalConfig{
			FetchK:         30,
			TopK:           5,
			MaxParaphrases: 3,
			RerankEnabled:  true,
		},
		Session: SessionConfig{
			MaxTurns: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from an optional YAML file, then applies
// EDUVERSE_* environment variable overrides. A .env file in the working
// directory is loaded first if present. Missing file means defaults.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EDUVERSE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("EDUVERSE_API_TOKEN"); v != "" {
		cfg.Server.APIToken = v
	}
	if v := os.Getenv("EDUVERSE_GATEWAY_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
	if v := os.Getenv("EDUVERSE_GATEWAY_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("EDUVERSE_EMBED_MODEL"); v != "" {
		cfg.Gateway.EmbedModel = v
	}
	if v := os.Getenv("EDUVERSE_GENERATE_MODEL"); v != "" {
		cfg.Gateway.GenerateModel = v
	}
	if v := os.Getenv("EDUVERSE_VISION_MODEL"); v != "" {
		cfg.Gateway.VisionModel = v
	}
	if v := os.Getenv("EDUVERSE_TRANSCRIBE_MODEL"); v != "" {
		cfg.Gateway.TranscribeModel = v
	}
	if v := os.Getenv("EDUVERSE_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("EDUVERSE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// applyDefaults backfills zero values that a partial YAML file may leave
// behind. Only fields with non-zero defaults need entries here.
func applyDefaults(cfg *Config) {
	d := defaults()
	if cfg.Server.Port == 0 {
		cfg.Server.Port = d.Server.Port
	}
	if cfg.Gateway.BaseURL == "" {
		cfg.Gateway.BaseURL = d.Gateway.BaseURL
	}
	if cfg.Gateway.EmbedModel == "" {
		cfg.Gateway.EmbedModel = d.Gateway.EmbedModel
	}
	if cfg.Gateway.GenerateModel == "" {
		cfg.Gateway.GenerateModel = d.Gateway.GenerateModel
	}
	if cfg.Gateway.VisionModel == "" {
		cfg.Gateway.VisionModel = d.Gateway.VisionModel
	}
	if cfg.Gateway.TranscribeModel == "" {
		cfg.Gateway.TranscribeModel = d.Gateway.TranscribeModel
	}
	if cfg.Gateway.TimeoutSecs == 0 {
		cfg.Gateway.TimeoutSecs = d.Gateway.TimeoutSecs
	}
	if cfg.Gateway.MaxRetries == 0 {
		cfg.Gateway.MaxRetries = d.Gateway.MaxRetries
	}
	if cfg.Gateway.RequestsPerSecond == 0 {
		cfg.Gateway.RequestsPerSecond = d.Gateway.RequestsPerSecond
	}
	if cfg.Gateway.Burst == 0 {
		cfg.Gateway.Burst = d.Gateway.Burst
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = d.Storage.DataDir
	}
	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = d.Ingest.Workers
	}
	if cfg.Ingest.PollSecs == 0 {
		cfg.Ingest.PollSecs = d.Ingest.PollSecs
	}
	if cfg.Ingest.ChunkSize == 0 {
		cfg.Ingest.ChunkSize = d.Ingest.ChunkSize
	}
	if cfg.Ingest.ChunkOverlap == 0 {
		cfg.Ingest.ChunkOverlap = d.Ingest.ChunkOverlap
	}
	if cfg.Ingest.MaxKeyframes == 0 {
		cfg.Ingest.MaxKeyframes = d.Ingest.MaxKeyframes
	}
	if cfg.Retrieval.FetchK == 0 {
		cfg.Retrieval.FetchK = d.Retrieval.FetchK
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = d.Retrieval.TopK
	}
	if cfg.Retrieval.MaxParaphrases == 0 {
		cfg.Retrieval.MaxParaphrases = d.Retrieval.MaxParaphrases
	}
	if cfg.Session.MaxTurns == 0 {
		cfg.Session.MaxTurns = d.Session.MaxTurns
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".eduverse"
	}
	return filepath.Join(home, ".eduverse")
}
