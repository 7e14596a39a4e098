package bootstrap

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// InfraConfig holds connection settings for shared infrastructure.
type InfraConfig struct {
	Mysql struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Kafka struct {
		Brokers string `yaml:"brokers"`
	} `yaml:"kafka"`
	Redis struct {
		Addrs string `yaml:"addrs"`
	} `yaml:"redis"`
	Jaeger struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"jaeger"`
}

// RelayConfig drives the outbox relay loop.
type RelayConfig struct {
	Enabled           bool   `yaml:"enabled"`
	BatchSize         int    `yaml:"batchSize"`
	LockOwner         string `yaml:"lockOwner"`
	LockTTLSeconds    int64  `yaml:"lockTtlSeconds"`
	FixedDelayMillis  int64  `yaml:"fixedDelayMillis"`
	BackoffBaseMillis int64  `yaml:"backoffBaseMillis"`
	BackoffMaxMillis  int64  `yaml:"backoffMaxMillis"`
}

// ProcessorConfig drives the payment batch processor.
type ProcessorConfig struct {
	Enabled           bool   `yaml:"enabled"`
	BatchSize         int    `yaml:"batchSize"`
	MaxBatchesPerTick int    `yaml:"maxBatchesPerTick"`
	LockOwner         string `yaml:"lockOwner"`
	LockTTLSeconds    int64  `yaml:"lockTtlSeconds"`
	FixedDelayMillis  int64  `yaml:"fixedDelayMillis"`
	AutoSettle        bool   `yaml:"autoSettle"`
	// Test hook: payments with exactly this net_cents fail on first attempt.
	FailIfNetCentsEquals int64 `yaml:"failIfNetCentsEquals"`
}

// SweeperConfig drives batch recovery and retry scheduling.
type SweeperConfig struct {
	Enabled            bool  `yaml:"enabled"`
	FixedDelayMillis   int64 `yaml:"fixedDelayMillis"`
	SweepLimit         int   `yaml:"sweepLimit"`
	LockTTLSeconds     int64 `yaml:"lockTtlSeconds"`
	MaxBatchAttempts   int   `yaml:"maxBatchAttempts"`
	RetryBaseMillis    int64 `yaml:"retryBaseMillis"`
	RetryMaxMillis     int64 `yaml:"retryMaxMillis"`
	MaxPaymentAttempts int   `yaml:"maxPaymentAttempts"`
}

// JobsConfig drives the per-item job ladder.
type JobsConfig struct {
	Enabled         bool   `yaml:"enabled"`
	GroupID         string `yaml:"groupId"`
	MaxAttempts     int    `yaml:"maxAttempts"`
	ChunkSize       int    `yaml:"chunkSize"`
	FinalizeItemURL string `yaml:"finalizeItemUrl"`
}

// IntakeConfig drives the payment-requested consumer.
type IntakeConfig struct {
	Enabled                   bool   `yaml:"enabled"`
	ConsumerName              string `yaml:"consumerName"`
	GroupID                   string `yaml:"groupId"`
	PaymentRequestedTopic     string `yaml:"paymentRequestedTopic"`
	PaymentStatusChangedTopic string `yaml:"paymentStatusChangedTopic"`
	BatchStatusChangedTopic   string `yaml:"batchStatusChangedTopic"`
}

// OpsConfig drives the read-only status endpoints.
type OpsConfig struct {
	Port            int   `yaml:"port"`
	CacheTTLSeconds int64 `yaml:"cacheTtlSeconds"`
}

// AppConfig holds business configuration for the delivery core.
type AppConfig struct {
	Relay     RelayConfig     `yaml:"relay"`
	Processor ProcessorConfig `yaml:"processor"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Intake    IntakeConfig    `yaml:"intake"`
	Ops       OpsConfig       `yaml:"ops"`
}

// Config is the single configuration entry point for a payflow service.
type Config struct {
	Infra InfraConfig `yaml:"infra"`
	App   AppConfig   `yaml:"app"`
}

// LoadConfig reads the yaml file at PAYFLOW_CONFIG_PATH (or the given path if
// non-empty), applies environment overrides for infrastructure addresses, and
// fills defaults for anything left unset.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}

	if path == "" {
		path = getEnv("PAYFLOW_CONFIG_PATH", "")
	}
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "read config file %s", path)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config file %s", path)
		}
	}

	cfg.Infra.Mysql.DSN = getEnv("PAYFLOW_MYSQL_DSN", cfg.Infra.Mysql.DSN)
	cfg.Infra.Kafka.Brokers = getEnv("PAYFLOW_KAFKA_BROKERS", cfg.Infra.Kafka.Brokers)
	cfg.Infra.Redis.Addrs = getEnv("PAYFLOW_REDIS_ADDRS", cfg.Infra.Redis.Addrs)
	cfg.Infra.Jaeger.Endpoint = getEnv("PAYFLOW_JAEGER_ENDPOINT", cfg.Infra.Jaeger.Endpoint)

	cfg.applyDefaults()
	return cfg, nil
}

// KafkaBrokers returns the brokers as a slice.
func (c *Config) KafkaBrokers() []string {
	return strings.Split(c.Infra.Kafka.Brokers, ",")
}

func (c *Config) applyDefaults() {
	r := &c.App.Relay
	if r.BatchSize <= 0 {
		r.BatchSize = 100
	}
	if r.LockOwner == "" {
		r.LockOwner = "outbox-relay"
	}
	if r.LockTTLSeconds <= 0 {
		r.LockTTLSeconds = 60
	}
	if r.FixedDelayMillis <= 0 {
		r.FixedDelayMillis = 1000
	}
	if r.BackoffBaseMillis <= 0 {
		r.BackoffBaseMillis = 1000
	}
	if r.BackoffMaxMillis <= 0 {
		r.BackoffMaxMillis = 15 * 60 * 1000
	}

	p := &c.App.Processor
	if p.BatchSize <= 0 {
		p.BatchSize = 100
	}
	if p.MaxBatchesPerTick <= 0 {
		p.MaxBatchesPerTick = 25
	}
	if p.LockOwner == "" {
		p.LockOwner = "payments-processor"
	}
	if p.LockTTLSeconds <= 0 {
		p.LockTTLSeconds = 60
	}
	if p.FixedDelayMillis <= 0 {
		p.FixedDelayMillis = 1000
	}

	s := &c.App.Sweeper
	if s.FixedDelayMillis <= 0 {
		s.FixedDelayMillis = 5000
	}
	if s.SweepLimit <= 0 {
		s.SweepLimit = 200
	}
	if s.LockTTLSeconds <= 0 {
		s.LockTTLSeconds = 60
	}
	if s.MaxBatchAttempts <= 0 {
		s.MaxBatchAttempts = 5
	}
	if s.RetryBaseMillis <= 0 {
		s.RetryBaseMillis = 30_000
	}
	if s.RetryMaxMillis <= 0 {
		s.RetryMaxMillis = 15 * 60 * 1000
	}
	if s.MaxPaymentAttempts <= 0 {
		s.MaxPaymentAttempts = 3
	}

	j := &c.App.Jobs
	if j.GroupID == "" {
		j.GroupID = "payflow-worker"
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 8
	}
	if j.ChunkSize <= 0 {
		j.ChunkSize = 2000
	}

	i := &c.App.Intake
	if i.ConsumerName == "" {
		i.ConsumerName = "payments-service"
	}
	if i.GroupID == "" {
		i.GroupID = "payments-service"
	}
	if i.PaymentRequestedTopic == "" {
		i.PaymentRequestedTopic = "paycheck.payment.requested"
	}
	if i.PaymentStatusChangedTopic == "" {
		i.PaymentStatusChangedTopic = "paycheck.payment.status_changed"
	}
	if i.BatchStatusChangedTopic == "" {
		i.BatchStatusChangedTopic = "payment.batch.status_changed"
	}

	o := &c.App.Ops
	if o.Port <= 0 {
		o.Port = 8080
	}
	if o.CacheTTLSeconds <= 0 {
		o.CacheTTLSeconds = 5
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
