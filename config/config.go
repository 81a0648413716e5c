package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Telegram TelegramConfig `yaml:"telegram"`
	GeoTrace GeoTraceConfig `yaml:"geotrace"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	LookupCompletedTopicName string `yaml:"lookup_completed_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type TelegramConfig struct {
	APIID       int    `yaml:"api_id"`
	APIHash     string `yaml:"api_hash"`
	BotUsername string `yaml:"bot_username"`
	SessionPath string `yaml:"session_path"`
	// Mode selects the client implementation: "gotd" (default) or "fake"
	// for credential-free development.
	Mode string `yaml:"mode"`
}

type GeoTraceConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	JobDeadlineSeconds    int `yaml:"job_deadline_seconds"`
	StepWaitSeconds       int `yaml:"step_wait_seconds"`
	FirstReplyWaitSeconds int `yaml:"first_reply_wait_seconds"`
	SessionWaitSeconds    int `yaml:"session_wait_seconds"`

	CacheTTLSeconds     int `yaml:"cache_ttl_seconds"`
	JobRetentionSeconds int `yaml:"job_retention_seconds"`
	MaxPendingJobs      int `yaml:"max_pending_jobs"`

	ButtonMatch         string `yaml:"button_match"`
	BotQueriesPerMinute int    `yaml:"bot_queries_per_minute"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
