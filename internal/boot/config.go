package boot

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Env     string `env:"ENV,default=dev"`
	DataDir string `env:"DATA_DIR,default=./data"`
	Server  struct {
		Host string `env:"WECHAT_SERVER_HOST,default=0.0.0.0"`
		Port string `env:"WECHAT_SERVER_PORT,default=8080"`
	}
	WeChat struct {
		AppID          string `env:"WECHAT_APP_ID"`
		AppSecret      string `env:"WECHAT_APP_SECRET"`
		Token          string `env:"WECHAT_TOKEN"`
		EncodingAESKey string `env:"WECHAT_ENCODING_AES_KEY"`
		APIBaseURL     string `env:"WECHAT_API_PROXY_URL,default=https://api.weixin.qq.com"`
	}
	Gateway struct {
		HandlerDeadline  time.Duration `env:"WECHAT_HANDLER_TIMEOUT,default=5s"`
		WorkerDeadline   time.Duration `env:"WECHAT_WORKER_TIMEOUT,default=300s"`
		RetryWaitRatio   float64       `env:"WECHAT_RETRY_WAIT_TIMEOUT_RATIO,default=0.7"`
		MaxAttempts      int           `env:"WECHAT_MAX_DELIVERY_ATTEMPTS,default=3"`
		MaxContinueCount int           `env:"WECHAT_MAX_CONTINUE_COUNT,default=2"`
		EnablePush       bool          `env:"WECHAT_ENABLE_CUSTOM_MESSAGE"`
		TimeoutReply     string        `env:"WECHAT_TIMEOUT_MESSAGE,default=内容生成耗时较长，请稍等..."`
		ContinuePrompt   string        `env:"WECHAT_CONTINUE_WAITING_MESSAGE,default=生成答复中，继续等待请回复1"`
	}
	Dify struct {
		APIKey  string `env:"DIFY_API_KEY"`
		BaseURL string `env:"DIFY_BASE_URL,default=https://api.dify.ai/v1"`
	}
	OpenAI struct {
		APIKey  string `env:"OPENAI_API_KEY"`
		BaseURL string `env:"OPENAI_BASE_URL,default=https://api.openai.com/v1"`
		Model   string `env:"OPENAI_MODEL,default=gpt-3.5-turbo"`
	}
}

func Load() (*Config, error) {
	config := &Config{}
	if err := envconfig.Process(context.Background(), config); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}
	return config, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "prod"
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "dev"
}

func (c *Config) DataDirectory() string {
	return c.DataDir
}

func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Server.Host, c.Server.Port)
}
