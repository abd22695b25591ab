package config

import (
	"os"
	"strconv"
)

// VectorDim is the embedding dimension produced by the remote embedder
// (all-MiniLM-L6-v2). Fixed; the store rejects any other length.
const VectorDim = 384

// Config holds all environment-driven settings for the ingestion pipeline.
type Config struct {
	MongoURI string
	MongoDB  string

	EmbedBaseURL   string
	EmbedBatchSize int

	LLMBaseURL    string
	LLMSmallModel string
	LLMLargeModel string

	MaxFilesPerUpload int
	MaxFileMB         int

	ChunkMaxWords     int
	ChunkMinWords     int
	ChunkOverlapWords int

	InsertBatchSize int
	UseRichPDF      bool

	Port string
}

// Load reads the configuration from the environment, applying defaults.
// Call godotenv.Load first if a .env file should be honored.
func Load() Config {
	return Config{
		MongoURI: os.Getenv("MONGO_URI"),
		MongoDB:  envStr("MONGO_DB", "studybuddy"),

		EmbedBaseURL:   os.Getenv("EMBED_BASE_URL"),
		EmbedBatchSize: envInt("EMBED_BATCH_SIZE", 16),

		LLMBaseURL:    envStr("LLM_BASE_URL", "https://integrate.api.nvidia.com/v1"),
		LLMSmallModel: envStr("LLM_SMALL_MODEL", "meta/llama-3.1-8b-instruct"),
		LLMLargeModel: envStr("LLM_LARGE_MODEL", "openai/gpt-oss-120b"),

		MaxFilesPerUpload: envInt("MAX_FILES_PER_UPLOAD", 15),
		MaxFileMB:         envInt("MAX_FILE_MB", 50),

		ChunkMaxWords:     envInt("CHUNK_MAX_WORDS", 450),
		ChunkMinWords:     envInt("CHUNK_MIN_WORDS", 150),
		ChunkOverlapWords: envInt("CHUNK_OVERLAP_WORDS", 50),

		InsertBatchSize: envInt("MONGO_INSERT_BATCH_SIZE", 200),
		UseRichPDF:      envBool("PARSER_USE_RICH_PDF", false),

		Port: envStr("INGESTION_PORT", "7860"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
