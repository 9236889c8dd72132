// Package config loads process configuration from the environment,
// generalizing task_executor.go's getEnvDefault helper into a
// typed struct covering the bucket/shard/lease parameters the cluster
// coordinator and scheduler need.
package config

import (
	"os"
	"strconv"
	"time"

	nats "github.com/nats-io/nats.go"
)

// Config holds every tunable the coordinator, scheduler, and runtime need.
type Config struct {
	ServiceName string

	HTTPAddr string

	BoltPath string

	NATSURL string

	// BucketCount is B, the fixed number of hash-ring buckets owned across
	// the worker fleet.
	BucketCount int

	// SchedulerShards is N, the number of scheduler shard instances run per
	// worker process.
	SchedulerShards int

	HeartbeatInterval time.Duration
	LeaseTTL          time.Duration

	JobTimeout   time.Duration
	MaxRetries   int
	RetryBaseDelay time.Duration

	OTLPEndpoint string
}

// Load reads configuration from the environment, applying the same
// defaulting style as getEnvDefault.
func Load() Config {
	return Config{
		ServiceName:       getEnvDefault("DATAPILLAR_SERVICE_NAME", "datapillar-job"),
		HTTPAddr:          getEnvDefault("DATAPILLAR_HTTP_ADDR", ":8080"),
		BoltPath:          getEnvDefault("DATAPILLAR_BOLT_PATH", "datapillar-job.db"),
		NATSURL:           getEnvDefault("DATAPILLAR_NATS_URL", nats.DefaultURL),
		BucketCount:       getEnvInt("DATAPILLAR_BUCKET_COUNT", 256),
		SchedulerShards:   getEnvInt("DATAPILLAR_SCHEDULER_SHARDS", 4),
		HeartbeatInterval: getEnvDuration("DATAPILLAR_HEARTBEAT_INTERVAL", 5*time.Second),
		LeaseTTL:          getEnvDuration("DATAPILLAR_LEASE_TTL", 15*time.Second),
		JobTimeout:        getEnvDuration("DATAPILLAR_JOB_TIMEOUT", 5*time.Minute),
		MaxRetries:        getEnvInt("DATAPILLAR_MAX_RETRIES", 3),
		RetryBaseDelay:    getEnvDuration("DATAPILLAR_RETRY_BASE_DELAY", 500*time.Millisecond),
		OTLPEndpoint:      getEnvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
