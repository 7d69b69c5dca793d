// Package config reads server configuration from the environment. Optional
// settings return zero values or pointers; required ones fail loading with
// the variable name in the error.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RedisConfig holds Redis connection settings for the distributed lock.
type RedisConfig struct {
	URL          string
	DialTimeout  *time.Duration
	ReadTimeout  *time.Duration
	WriteTimeout *time.Duration
	PoolSize     *int
	MinIdleConns *int
	MaxRetries   *int
	EnableOTel   bool
	TLSConfig    *tls.Config
}

// AMQPConfig holds RabbitMQ connection settings.
type AMQPConfig struct {
	URL   string
	Group string
}

// BusConfig holds event-bus topic settings.
type BusConfig struct {
	TopicShards int
}

// PaymentsConfig holds the simulated gateway and reliability settings. Zero
// values defer to the constructors' defaults.
type PaymentsConfig struct {
	SuccessRate         float64
	MinLatency          time.Duration
	MaxLatency          time.Duration
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	LimiterInterval     time.Duration
	LimiterBurst        int
}

// ObservabilityConfig holds the HTTP address for metrics, health and the
// realtime WebSocket endpoint.
type ObservabilityConfig struct {
	Addr string
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{}

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadAMQP reads RabbitMQ settings from env.
func LoadAMQP() (AMQPConfig, error) {
	url, err := requiredString("AMQP_URL")
	if err != nil {
		return AMQPConfig{}, err
	}
	return AMQPConfig{
		URL:   url,
		Group: optionalString("AMQP_CONSUMER_GROUP", "saga-orchestrator"),
	}, nil
}

// LoadBus reads event-bus settings from env. Shard counts below 2 disable
// content-addressed topic sharding.
func LoadBus() (BusConfig, error) {
	shards, err := optionalIntOr("EVENT_TOPIC_SHARDS", 0)
	if err != nil {
		return BusConfig{}, err
	}
	return BusConfig{TopicShards: shards}, nil
}

// LoadPayments reads gateway and reliability settings from env.
func LoadPayments() (PaymentsConfig, error) {
	cfg := PaymentsConfig{}
	var err error

	if cfg.SuccessRate, err = optionalFloat("PAYMENT_SUCCESS_RATE", 0); err != nil {
		return cfg, err
	}
	if cfg.MinLatency, err = optionalDurationOr("PAYMENT_MIN_LATENCY", 0); err != nil {
		return cfg, err
	}
	if cfg.MaxLatency, err = optionalDurationOr("PAYMENT_MAX_LATENCY", 0); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxAttempts, err = optionalIntOr("PAYMENT_RETRY_MAX_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = optionalDurationOr("PAYMENT_RETRY_BASE_DELAY", 50*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = optionalDurationOr("PAYMENT_RETRY_MAX_DELAY", time.Second); err != nil {
		return cfg, err
	}
	if cfg.BreakerMaxFailures, err = optionalIntOr("PAYMENT_BREAKER_MAX_FAILURES", 5); err != nil {
		return cfg, err
	}
	if cfg.BreakerResetTimeout, err = optionalDurationOr("PAYMENT_BREAKER_RESET_TIMEOUT", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.LimiterInterval, err = optionalDurationOr("PAYMENT_RATE_LIMIT_INTERVAL", 10*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.LimiterBurst, err = optionalIntOr("PAYMENT_RATE_LIMIT_BURST", 10); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadObservability reads the HTTP server address from env.
func LoadObservability() (ObservabilityConfig, error) {
	return ObservabilityConfig{Addr: optionalString("OBS_ADDR", ":8080")}, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalDurationOr(name string, def time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return def, nil
	}
	return *val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalIntOr(name string, def int) (int, error) {
	val, err := optionalInt(name)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return def, nil
	}
	return *val, nil
}

func optionalFloat(name string, def float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 || val > 1 {
		return 0, fmt.Errorf("%s must be in [0,1]", name)
	}
	return val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func optionalString(name, def string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	return raw
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}
