package nutrilens

import "time"

type ModelConfig struct {
	ModelID     string  `env:"MODEL_ID,default=us.anthropic.claude-3-7-sonnet-20250219-v1:0"`
	MaxTokens   int32   `env:"MAX_TOKENS,default=1024"`
	Temperature float32 `env:"TEMPERATURE,default=0.2"`
	TopP        float32 `env:"TOP_P,default=0.9"`
}

type PipelineConfig struct {
	Estimator          string `env:"ESTIMATOR,default=mock"`
	BaseOllamaEndpoint string `env:"BASE_OLLAMA_ENDPOINT,default=http://localhost:11434"`
	MaxAttempts        int    `env:"MAX_ATTEMPTS,default=2"`
	CatalogPath        string `env:"CATALOG_PATH"`
	StageLogPath       string `env:"STAGE_LOG_PATH"`
}

type StoreConfig struct {
	MealDBPath    string `env:"MEAL_DB_PATH,default=data/meals.db"`
	ImageDir      string `env:"IMAGE_DIR,default=data/images"`
	ImageS3Bucket string `env:"IMAGE_S3_BUCKET"`
	ImageS3Prefix string `env:"IMAGE_S3_PREFIX,default=meal-images"`
}

type ServerConfig struct {
	HTTPAddr        string        `env:"HTTP_ADDR,default=:8080"`
	SlackWebhookURL string        `env:"SLACK_WEBHOOK_URL"`
	SlackChannel    string        `env:"SLACK_CHANNEL,default=#meals"`
	SessionTTL      time.Duration `env:"SESSION_TTL,default=10m"`
}
