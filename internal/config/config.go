// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，由 Init 填充。
var Conf Config

// Config 与 configs/config.yaml 的结构一一对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Artifacts     ArtifactsConfig     `mapstructure:"artifacts"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	FoodAPI       FoodAPIConfig       `mapstructure:"foodapi"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
	Classifier    ClassifierConfig    `mapstructure:"classifier"`
	Verifier      VerifierConfig      `mapstructure:"verifier"`
	Admission     AdmissionConfig     `mapstructure:"admission"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
}

type ServerConfig struct {
	Port           string        `mapstructure:"port"`
	Mode           string        `mapstructure:"mode"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AllowOrigins   []string      `mapstructure:"allow_origins"`
	// TrustedProxies 为空时不信任任何 X-Forwarded-For，限流按连接地址计数。
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL  MySQLConfig  `mapstructure:"mysql"`
	Redis  RedisConfig  `mapstructure:"redis"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SQLiteConfig 是监控记录库的文件路径。
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 配置异步导入任务与监控事件的主题。
type KafkaConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Brokers         string `mapstructure:"brokers"`
	IngestTopic     string `mapstructure:"ingest_topic"`
	MonitoringTopic string `mapstructure:"monitoring_topic"`
	GroupID         string `mapstructure:"group_id"`
	MaxAttempts     int    `mapstructure:"max_attempts"`
}

// ElasticsearchConfig 启用后作为近似最近邻检索后端，Alias 始终指向当前代的索引。
type ElasticsearchConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Addresses   string `mapstructure:"addresses"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	Alias       string `mapstructure:"alias"`
	IndexPrefix string `mapstructure:"index_prefix"`
}

type MinIOConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// ArtifactsConfig 为未启用 MinIO 时的本地产物目录。
type ArtifactsConfig struct {
	LocalDir string `mapstructure:"local_dir"`
}

// EmbeddingConfig 中 Provider 取值 tfidf | openai | ollama。
type EmbeddingConfig struct {
	Provider   string        `mapstructure:"provider"`
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	MaxDocFreq float64       `mapstructure:"max_doc_freq"`
}

// LLMConfig 中 Provider 取值 openai | ollama | none，none 表示只使用模板生成。
type LLMConfig struct {
	Provider   string              `mapstructure:"provider"`
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Timeout    time.Duration       `mapstructure:"timeout"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
	Prompt     LLMPromptConfig     `mapstructure:"prompt"`
}

// LLMGenerationConfig 按提示类型区分温度：事实类接近 0，对话类更高。
type LLMGenerationConfig struct {
	ExplainTemperature float64 `mapstructure:"explain_temperature"`
	ChatTemperature    float64 `mapstructure:"chat_temperature"`
	TopP               float64 `mapstructure:"top_p"`
	MaxTokens          int     `mapstructure:"max_tokens"`
}

// LLMPromptConfig 配置系统提示与引用包裹格式。
type LLMPromptConfig struct {
	Rules        string `mapstructure:"rules"`
	RefStart     string `mapstructure:"ref_start"`
	RefEnd       string `mapstructure:"ref_end"`
	NoResultText string `mapstructure:"no_result_text"`
}

// FoodAPIConfig 配置外部食品数据源（Open Food Facts）。
type FoodAPIConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	UserAgent  string        `mapstructure:"user_agent"`
	PageSize   int           `mapstructure:"page_size"`
	RPS        float64       `mapstructure:"rps"`
	Burst      int           `mapstructure:"burst"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// RetrievalConfig 中 Backend 取值 memory | elasticsearch。
type RetrievalConfig struct {
	Backend        string  `mapstructure:"backend"`
	DefaultK       int     `mapstructure:"default_k"`
	MaxK           int     `mapstructure:"max_k"`
	MatchThreshold float64 `mapstructure:"match_threshold"`
}

type ClassifierConfig struct {
	BundleKey   string  `mapstructure:"bundle_key"`
	Trees       int     `mapstructure:"trees"`
	MaxDepth    int     `mapstructure:"max_depth"`
	MinLeaf     int     `mapstructure:"min_leaf"`
	Seed        int64   `mapstructure:"seed"`
	Scale       bool    `mapstructure:"scale"`
	HoldoutFrac float64 `mapstructure:"holdout_frac"`
	// FeedbackDays 为训练任务合并用户反馈的时间窗口。
	FeedbackDays int `mapstructure:"feedback_days"`
}

// VerifierConfig 中两个条件同时超出才判定字段不一致。
type VerifierConfig struct {
	RelativeTolerance float64 `mapstructure:"relative_tolerance"`
	CalorieFloor      float64 `mapstructure:"calorie_floor"`
	GramFloor         float64 `mapstructure:"gram_floor"`
}

// AdmissionConfig 中 Backend 取值 memory | redis。
type AdmissionConfig struct {
	Backend      string        `mapstructure:"backend"`
	Limit        int           `mapstructure:"limit"`
	Window       time.Duration `mapstructure:"window"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	MaxInputLen  int           `mapstructure:"max_input_len"`
	MaxQuantityG float64       `mapstructure:"max_quantity_g"`
}

type MonitoringConfig struct {
	DefaultWindowDays int    `mapstructure:"default_window_days"`
	ExportPrefix      string `mapstructure:"export_prefix"`
}

// Init 从指定路径读取 YAML 并写入全局 Conf，失败时 panic。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = *cfg
}

// Load 读取配置文件，未出现的键使用默认值，环境变量 NUTRI_* 覆盖文件中的值。
func Load(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return &cfg, nil
}

// Default 返回仅包含默认值的配置，测试中在此基础上覆盖阈值。
func Default() Config {
	var cfg Config
	if err := newViper().Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("默认配置解析失败: %w", err))
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("NUTRI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("database.sqlite.path", "data/monitoring.db")

	v.SetDefault("jwt.access_token_expire_hours", 24)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("kafka.ingest_topic", "nutrition-ingest")
	v.SetDefault("kafka.monitoring_topic", "nutrition-predictions")
	v.SetDefault("kafka.group_id", "nutri-advisor-ingest")
	v.SetDefault("kafka.max_attempts", 3)

	v.SetDefault("elasticsearch.alias", "nutrition_facts")
	v.SetDefault("elasticsearch.index_prefix", "nutrition_facts_g")

	v.SetDefault("minio.bucket_name", "nutri-advisor")
	v.SetDefault("artifacts.local_dir", "data/artifacts")

	v.SetDefault("embedding.provider", "tfidf")
	v.SetDefault("embedding.timeout", 10*time.Second)
	v.SetDefault("embedding.max_retries", 2)
	v.SetDefault("embedding.max_doc_freq", 0.95)

	v.SetDefault("llm.provider", "ollama")
	v.SetDefault("llm.base_url", "http://localhost:11434")
	v.SetDefault("llm.model", "phi3:mini")
	v.SetDefault("llm.timeout", 20*time.Second)
	v.SetDefault("llm.max_retries", 1)
	v.SetDefault("llm.generation.explain_temperature", 0.1)
	v.SetDefault("llm.generation.chat_temperature", 0.7)
	v.SetDefault("llm.generation.top_p", 0.9)
	v.SetDefault("llm.generation.max_tokens", 300)
	v.SetDefault("llm.prompt.ref_start", "<<REF>>")
	v.SetDefault("llm.prompt.ref_end", "<<END>>")
	v.SetDefault("llm.prompt.no_result_text", "(no nutrition facts were retrieved for this request)")

	v.SetDefault("foodapi.base_url", "https://world.openfoodfacts.org")
	v.SetDefault("foodapi.user_agent", "nutri-advisor-go/1.0 (nutrition-assistant)")
	v.SetDefault("foodapi.page_size", 5)
	v.SetDefault("foodapi.rps", 1.0)
	v.SetDefault("foodapi.burst", 1)
	v.SetDefault("foodapi.timeout", 10*time.Second)
	v.SetDefault("foodapi.max_retries", 2)

	v.SetDefault("retrieval.backend", "memory")
	v.SetDefault("retrieval.default_k", 5)
	v.SetDefault("retrieval.max_k", 50)
	v.SetDefault("retrieval.match_threshold", 0.8)

	v.SetDefault("classifier.bundle_key", "classifier/latest.json")
	v.SetDefault("classifier.trees", 50)
	v.SetDefault("classifier.max_depth", 6)
	v.SetDefault("classifier.min_leaf", 2)
	v.SetDefault("classifier.seed", 42)
	v.SetDefault("classifier.scale", true)
	v.SetDefault("classifier.holdout_frac", 0.2)
	v.SetDefault("classifier.feedback_days", 30)

	v.SetDefault("verifier.relative_tolerance", 0.05)
	v.SetDefault("verifier.calorie_floor", 5.0)
	v.SetDefault("verifier.gram_floor", 1.0)

	v.SetDefault("admission.backend", "memory")
	v.SetDefault("admission.limit", 30)
	v.SetDefault("admission.window", time.Minute)
	v.SetDefault("admission.key_prefix", "admission")
	v.SetDefault("admission.max_input_len", 500)
	v.SetDefault("admission.max_quantity_g", 5000.0)

	v.SetDefault("monitoring.default_window_days", 7)
	v.SetDefault("monitoring.export_prefix", "exports/monitoring")
}
