package config

import "time"

// SettlementConfig points at the payment settlement collaborator.
type SettlementConfig struct {
	URL        string        `env:"URL"`
	APIKey     string        `env:"API_KEY"`
	Timeout    time.Duration `env:"TIMEOUT"     envDefault:"10s"`
	RetryLimit int           `env:"RETRY_LIMIT" envDefault:"2"`
}

func (s *SettlementConfig) Sanitize() {
	if s.Timeout <= 0 {
		s.Timeout = 10 * time.Second
	}
	if s.RetryLimit < 0 {
		s.RetryLimit = 0
	}
	if s.RetryLimit > 5 {
		s.RetryLimit = 5
	}
}

// MessagingConfig points at the messaging collaborator.
type MessagingConfig struct {
	URL     string        `env:"MESSAGING_URL"`
	APIKey  string        `env:"MESSAGING_API_KEY"`
	Timeout time.Duration `env:"MESSAGING_TIMEOUT" envDefault:"5s"`
	// DeepLinkBaseURL prefixes links back into the job workspace.
	DeepLinkBaseURL string `env:"DEEP_LINK_BASE_URL" envDefault:"http://localhost:3000"`
	// ConversationCacheTTL bounds how long a conversation id is cached.
	ConversationCacheTTL time.Duration `env:"CONVERSATION_CACHE_TTL" envDefault:"24h"`
}

func (m *MessagingConfig) Sanitize() {
	if m.Timeout <= 0 {
		m.Timeout = 5 * time.Second
	}
	if m.ConversationCacheTTL < time.Minute {
		m.ConversationCacheTTL = time.Minute
	}
}

// RedisConfig backs the conversation cache. An empty Addr disables caching.
type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD" envDefault:""`
	DB       int    `env:"DB"       envDefault:"0"`
}

func (r *RedisConfig) Sanitize() {
	if r.DB < 0 {
		r.DB = 0
	}
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// OutboxConfig tunes the notification relay.
type OutboxConfig struct {
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	BatchSize    int           `env:"BATCH_SIZE"    envDefault:"20"`
	MaxAttempts  int           `env:"MAX_ATTEMPTS"  envDefault:"5"`
}

func (o *OutboxConfig) Sanitize() {
	if o.PollInterval < 100*time.Millisecond {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.BatchSize < 1 {
		o.BatchSize = 1
	}
	if o.BatchSize > 500 {
		o.BatchSize = 500
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
}
