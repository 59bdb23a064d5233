package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// fileConfig mirrors Config but uses strings for durations to make TOML friendly.
type fileConfig struct {
	PubSubSystem       string   `toml:"pubsub_system"`
	KafkaBrokers       []string `toml:"kafka_brokers"`
	KafkaClientID      string   `toml:"kafka_client_id"`
	KafkaConsumerGroup string   `toml:"kafka_consumer_group"`
	RabbitMQURL        string   `toml:"rabbitmq_url"`
	NATSURL            string   `toml:"nats_url"`
	SQLiteFile         string   `toml:"sqlite_file"`
	PostgresURL        string   `toml:"postgres_url"`
	AWSRegion          string   `toml:"aws_region"`
	AWSAccountID       string   `toml:"aws_account_id"`
	AWSAccessKeyID     string   `toml:"aws_access_key_id"`
	AWSSecretAccessKey string   `toml:"aws_secret_access_key"`
	AWSEndpoint        string   `toml:"aws_endpoint"`

	RecoverInterval string `toml:"recover_interval"`

	MetricsEnabled bool `toml:"metrics_enabled"`
	MetricsPort    int  `toml:"metrics_port"`

	StatusAPIEnabled            bool     `toml:"status_api_enabled"`
	StatusAPIPort               int      `toml:"status_api_port"`
	StatusAPICORSAllowedOrigins []string `toml:"status_api_cors_allowed_origins"`

	TransactionManager struct {
		Dir        string `toml:"dir"`
		StatusFile string `toml:"status_file"`
		UIDFile    string `toml:"uid_file"`
	} `toml:"transaction_manager"`

	Receivers []fileReceiver `toml:"receivers"`
}

type fileReceiver struct {
	Name                 string  `toml:"name"`
	Intake               string  `toml:"intake"`
	Topic                string  `toml:"topic"`
	Directory            string  `toml:"directory"`
	ReplyTopic           string  `toml:"reply_topic"`
	ErrorTopic           string  `toml:"error_topic"`
	ReplyIfStopped       string  `toml:"reply_if_stopped"`
	StartTimeout         string  `toml:"start_timeout"`
	StopTimeout          string  `toml:"stop_timeout"`
	NumThreads           int     `toml:"num_threads"`
	PollInterval         string  `toml:"poll_interval"`
	RetryInterval        string  `toml:"retry_interval"`
	MaxRetryInterval     string  `toml:"max_retry_interval"`
	MaxRetries           int     `toml:"max_retries"`
	MaxDeliveries        int     `toml:"max_deliveries"`
	OnError              string  `toml:"on_error"`
	Transacted           bool    `toml:"transacted"`
	TransactionTimeout   string  `toml:"transaction_timeout"`
	PollGuardInterval    string  `toml:"poll_guard_interval"`
	PollGuardMultiplier  float64 `toml:"poll_guard_multiplier"`
	MaxMessagesPerSecond float64 `toml:"max_messages_per_second"`
}

// Load reads a TOML file into a Config. Durations are Go duration strings
// such as "30s". The result is not validated.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes TOML bytes into a Config.
func Parse(b []byte) (*Config, error) {
	var fc fileConfig
	if err := toml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	d := &durations{}
	cfg := &Config{
		PubSubSystem:       fc.PubSubSystem,
		KafkaBrokers:       fc.KafkaBrokers,
		KafkaClientID:      fc.KafkaClientID,
		KafkaConsumerGroup: fc.KafkaConsumerGroup,
		RabbitMQURL:        fc.RabbitMQURL,
		NATSURL:            fc.NATSURL,
		SQLiteFile:         fc.SQLiteFile,
		PostgresURL:        fc.PostgresURL,
		AWSRegion:          fc.AWSRegion,
		AWSAccountID:       fc.AWSAccountID,
		AWSAccessKeyID:     fc.AWSAccessKeyID,
		AWSSecretAccessKey: fc.AWSSecretAccessKey,
		AWSEndpoint:        fc.AWSEndpoint,
		TransactionManager: TransactionManagerConfig{
			Dir:        fc.TransactionManager.Dir,
			StatusFile: fc.TransactionManager.StatusFile,
			UIDFile:    fc.TransactionManager.UIDFile,
		},
		RecoverInterval:             d.parse("recover_interval", fc.RecoverInterval),
		MetricsEnabled:              fc.MetricsEnabled,
		MetricsPort:                 fc.MetricsPort,
		StatusAPIEnabled:            fc.StatusAPIEnabled,
		StatusAPIPort:               fc.StatusAPIPort,
		StatusAPICORSAllowedOrigins: fc.StatusAPICORSAllowedOrigins,
	}

	for _, r := range fc.Receivers {
		cfg.Receivers = append(cfg.Receivers, ReceiverConfig{
			Name:                 r.Name,
			Intake:               r.Intake,
			Topic:                r.Topic,
			Directory:            r.Directory,
			ReplyTopic:           r.ReplyTopic,
			ErrorTopic:           r.ErrorTopic,
			ReplyIfStopped:       r.ReplyIfStopped,
			StartTimeout:         d.parse(r.Name+".start_timeout", r.StartTimeout),
			StopTimeout:          d.parse(r.Name+".stop_timeout", r.StopTimeout),
			NumThreads:           r.NumThreads,
			PollInterval:         d.parse(r.Name+".poll_interval", r.PollInterval),
			RetryInterval:        d.parse(r.Name+".retry_interval", r.RetryInterval),
			MaxRetryInterval:     d.parse(r.Name+".max_retry_interval", r.MaxRetryInterval),
			MaxRetries:           r.MaxRetries,
			MaxDeliveries:        r.MaxDeliveries,
			OnError:              OnError(r.OnError),
			Transacted:           r.Transacted,
			TransactionTimeout:   d.parse(r.Name+".transaction_timeout", r.TransactionTimeout),
			PollGuardInterval:    d.parse(r.Name+".poll_guard_interval", r.PollGuardInterval),
			PollGuardMultiplier:  r.PollGuardMultiplier,
			MaxMessagesPerSecond: r.MaxMessagesPerSecond,
		})
	}

	if err := errors.Join(d.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// durations collects every bad duration instead of stopping at the first.
type durations struct {
	errs []error
}

func (d *durations) parse(key, v string) time.Duration {
	if v == "" {
		return 0
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		d.errs = append(d.errs, fmt.Errorf("%s: %w", key, err))
		return 0
	}
	return dur
}
