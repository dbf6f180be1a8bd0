package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// OpenAI設定（Embeddings + Batch）
	OpenAI OpenAIConfig

	// マッチング設定
	Match MatchConfig

	// バッチ判定設定
	Batch BatchConfig

	// ログ設定
	Log LogConfig
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// OpenAIConfig はOpenAI API設定
type OpenAIConfig struct {
	APIKey             string
	BaseURL            string
	EmbeddingModel     string
	EmbeddingDimension int
	BatchModel         string
	BatchMaxTokens     int
}

// MatchConfig は候補検索とプロンプト生成の設定
type MatchConfig struct {
	TopN             int // 類似度テーブルに残す候補数
	PromptTopN       int // プロンプトに含める候補数
	EmbedConcurrency int
	// EmbedRequestsPerMinute は埋め込み API の1分あたりのリクエスト上限。0 なら制限なし
	EmbedRequestsPerMinute int
	CohortSource           string
	IgnoreList             string // ファイルパスまたは URL
	DataType               string
}

// BatchConfig はバッチジョブの設定
type BatchConfig struct {
	MaxPrompts   int
	JobTimeout   time.Duration
	MaxRetries   int
	PricingFile  string
	ErrorLogDir  string
	MaxBatchCost float64
}

// LogConfig はロガーの設定
type LogConfig struct {
	Level  slog.Level
	Format string
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "efo"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "efo_mapper"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		OpenAI: OpenAIConfig{
			APIKey:             getEnv("OPENAI_API_KEY", ""),
			BaseURL:            getEnv("OPENAI_BASE_URL", ""),
			EmbeddingModel:     getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingDimension: getEnvAsInt("OPENAI_EMBEDDING_DIMENSION", 1536),
			BatchModel:         getEnv("OPENAI_BATCH_MODEL", "gpt-4o-2024-08-06"),
			BatchMaxTokens:     getEnvAsInt("OPENAI_BATCH_MAX_TOKENS", 1000),
		},
		Match: MatchConfig{
			TopN:                   getEnvAsInt("MATCH_TOP_N", 20),
			PromptTopN:             getEnvAsInt("PROMPT_TOP_N", 30),
			EmbedConcurrency:       getEnvAsInt("EMBED_CONCURRENCY", 4),
			EmbedRequestsPerMinute: getEnvAsInt("EMBED_REQUESTS_PER_MINUTE", 0),
			CohortSource:           getEnv("COHORT_SOURCE", "az_exwas"),
			IgnoreList:             getEnv("IGNORE_STUDIES", ""),
			DataType:               getEnv("STUDY_DATA_TYPE", "phenotype"),
		},
		Batch: BatchConfig{
			MaxPrompts:   getEnvAsInt("BATCH_MAX_PROMPTS", 1000),
			JobTimeout:   getEnvAsDuration("BATCH_JOB_TIMEOUT", 26*time.Hour),
			MaxRetries:   getEnvAsInt("RETRY_MAX_ATTEMPTS", 5),
			PricingFile:  getEnv("LLM_PRICING_FILE", ""),
			ErrorLogDir:  getEnv("EFO_ERROR_LOG_DIR", ""),
			MaxBatchCost: getEnvAsFloat("BATCH_MAX_COST_USD", 0),
		},
		Log: LogConfig{
			Level:  getEnvAsLevel("LOG_LEVEL", slog.LevelInfo),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate は設定値の整合性を検証します
func (c *Config) Validate() error {
	switch {
	case c.Match.TopN <= 0:
		return fmt.Errorf("MATCH_TOP_N must be positive: %d", c.Match.TopN)
	case c.Match.PromptTopN <= 0:
		return fmt.Errorf("PROMPT_TOP_N must be positive: %d", c.Match.PromptTopN)
	case c.Batch.MaxPrompts <= 0:
		return fmt.Errorf("BATCH_MAX_PROMPTS must be positive: %d", c.Batch.MaxPrompts)
	case c.Batch.MaxRetries < 0:
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must not be negative: %d", c.Batch.MaxRetries)
	case c.Log.Format != "json" && c.Log.Format != "text":
		return fmt.Errorf("LOG_FORMAT must be json or text: %q", c.Log.Format)
	}
	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsLevel は環境変数をログレベルとして取得します
func getEnvAsLevel(key string, defaultValue slog.Level) slog.Level {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(valueStr)); err != nil {
		return defaultValue
	}
	return level
}
