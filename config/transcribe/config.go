package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Port          int    `env:"PORT" env-default:"3000"`
	GRPCPort      int    `env:"GRPC_PORT" env-default:"0"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL" env-default:"https://transcribe.ohanapal.bot"`
	JWTSecret     string `env:"JWT_SECRET"`
	MaxUploadMB   int64  `env:"MAX_UPLOAD_MB" env-default:"512"`
	LogLevel      string `env:"LOG_LEVEL" env-default:"debug"`
	LogJSON       bool   `env:"LOG_JSON" env-default:"false"`

	Dirs           DirsConfig
	Engine         EngineConfig
	BackendService ServiceConfig `env-prefix:"EXTERNAL_BACKEND_"`
	OpenAI         OpenAIConfig
	Workflow       WorkflowConfig
	Database       DatabaseConfig
}

type DirsConfig struct {
	Uploads string `env:"UPLOADS_DIR" env-default:"uploads"`
	Output  string `env:"OUTPUT_DIR" env-default:"output"`
	Images  string `env:"IMAGES_DIR" env-default:"images"`
	Work    string `env:"WORK_DIR" env-default:"work"`
}

type EngineConfig struct {
	Binary            string   `env:"ENGINE_BINARY" env-default:"whisperx"`
	ComputeType       string   `env:"ENGINE_COMPUTE_TYPE" env-default:"int8"`
	HFToken           string   `env:"HF_TOKEN"`
	ExtraArgs         []string `env:"ENGINE_EXTRA_ARGS" env-separator:" "`
	MaxConcurrentJobs int64    `env:"MAX_CONCURRENT_JOBS" env-default:"1"`
}

type ServiceConfig struct {
	Url string `env:"URL"`
}

type OpenAIConfig struct {
	APIKey  string `env:"OPENAI_API_KEY"`
	BaseURL string `env:"OPENAI_BASE_URL" env-default:"https://api.openai.com/v1"`
}

type WorkflowConfig struct {
	WebhookURL string `env:"WORKFLOW_WEBHOOK_URL" env-default:"https://api.ohanapay.app/api/1.1/wf/transcribe_session"`
}

type DatabaseConfig struct {
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Host     string `env:"DB_HOST"`
	Name     string `env:"DB_NAME"`
	Port     int    `env:"DB_PORT" env-default:"5432"`
	SSLMode  string `env:"DB_SSLMODE" env-default:"disable"`
}

// Enabled reports whether ingestion records go to postgres instead of memory.
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s password=%s sslmode=%s",
		d.Host,
		d.Port,
		d.User,
		d.Name,
		d.Password,
		d.SSLMode,
	)
}

func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment variables: %w", err)
	}
	if cfg.Engine.MaxConcurrentJobs < 1 {
		cfg.Engine.MaxConcurrentJobs = 1
	}
	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err.Error())
	}
	return cfg
}
