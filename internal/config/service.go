package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Service is the process-level configuration: where the store lives and which
// brokers and sinks the relay talks to. It is read with viper from an optional
// cellarline.yaml, CELLARLINE_* environment variables and bound flags.
type Service struct {
	Workspace     string `mapstructure:"workspace"`
	DBPath        string `mapstructure:"db_path"`
	Addr          string `mapstructure:"addr"`
	BasePath      string `mapstructure:"base_path"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	LogLevel      string `mapstructure:"log_level"`
	Auth          struct {
		JWTSecret string `mapstructure:"jwt_secret"`
		Issuer    string `mapstructure:"issuer"`
		Audience  string `mapstructure:"audience"`
	} `mapstructure:"auth"`
	AMQP struct {
		URL        string `mapstructure:"url"`
		Exchange   string `mapstructure:"exchange"`
		RoutingKey string `mapstructure:"routing_key"`
	} `mapstructure:"amqp"`
	NATS struct {
		URL     string `mapstructure:"url"`
		Subject string `mapstructure:"subject"`
	} `mapstructure:"nats"`
	Relay struct {
		Interval time.Duration `mapstructure:"interval"`
		Batch    int           `mapstructure:"batch"`
	} `mapstructure:"relay"`
	Webhooks []WebhookConfig `mapstructure:"webhooks"`
}

// WebhookConfig is one HTTP sink for audit entries. Events filters by action
// type; empty means every entry.
type WebhookConfig struct {
	URL            string   `mapstructure:"url"`
	Secret         string   `mapstructure:"secret"`
	Events         []string `mapstructure:"events"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	Enabled        *bool    `mapstructure:"enabled"`
}

// SetServiceDefaults registers defaults on v. Every key needs one so that
// AutomaticEnv can see it during Unmarshal.
func SetServiceDefaults(v *viper.Viper) {
	v.SetDefault("workspace", ".")
	v.SetDefault("addr", "127.0.0.1:8080")
	v.SetDefault("base_path", "/v1")
	v.SetDefault("public_base_url", "http://127.0.0.1:8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("db_path", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("amqp.url", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("amqp.exchange", "cellarline.replies")
	v.SetDefault("amqp.routing_key", "reply.outbound")
	v.SetDefault("nats.subject", "cellarline.task_actions")
	v.SetDefault("relay.interval", 2*time.Second)
	v.SetDefault("relay.batch", 100)
}

// LoadService reads cellarline.yaml (if present) plus environment into a Service.
func LoadService(v *viper.Viper) (*Service, error) {
	SetServiceDefaults(v)
	v.SetConfigName("cellarline")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(v.GetString("workspace"))
	v.SetEnvPrefix("CELLARLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read service config: %w", err)
		}
	}
	var svc Service
	if err := v.Unmarshal(&svc); err != nil {
		return nil, fmt.Errorf("decode service config: %w", err)
	}
	svc.PublicBaseURL = strings.TrimRight(strings.TrimSpace(svc.PublicBaseURL), "/")
	if err := svc.Validate(); err != nil {
		return nil, err
	}
	return &svc, nil
}

func (s *Service) Validate() error {
	if s.BasePath != "" && !strings.HasPrefix(s.BasePath, "/") {
		return fmt.Errorf("base_path must start with /")
	}
	if s.PublicBaseURL == "" {
		return fmt.Errorf("public_base_url is required")
	}
	if s.Relay.Batch < 0 {
		return fmt.Errorf("relay.batch must not be negative")
	}
	for i, h := range s.Webhooks {
		if strings.TrimSpace(h.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}
