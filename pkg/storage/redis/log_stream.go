package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dtrunner/pkg/logger"
	"dtrunner/pkg/metrics"
	"dtrunner/pkg/resilience"
)

const (
	// StreamKeyLog holds every progress and engine log line.
	StreamKeyLog = "dtrunner:log"

	lineField = "line"
)

// LogStream publishes progress lines to a Redis stream so remote consumers
// can follow engine runs.
type LogStream struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
	breaker *resilience.CircuitBreaker
	logger  *zap.Logger
}

// LogStreamConfig holds Redis connection configuration
type LogStreamConfig struct {
	Addr         string
	Password     string
	DB           int
	Stream       string
	MaxLen       int64 // approximate cap on stream length
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultLogStreamConfig returns defaults for a single-host deployment.
func DefaultLogStreamConfig(addr string) LogStreamConfig {
	return LogStreamConfig{
		Addr:         addr,
		Stream:       StreamKeyLog,
		MaxLen:       10000,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 500 * time.Millisecond,
	}
}

// NewLogStream connects to Redis and verifies the connection.
func NewLogStream(cfg LogStreamConfig, l *zap.Logger) (*LogStream, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     4,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newLogStream(client, cfg, l), nil
}

func newLogStream(client *redis.Client, cfg LogStreamConfig, l *zap.Logger) *LogStream {
	if cfg.Stream == "" {
		cfg.Stream = StreamKeyLog
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	return &LogStream{
		client:  client,
		stream:  cfg.Stream,
		maxLen:  cfg.MaxLen,
		timeout: cfg.WriteTimeout,
		breaker: resilience.NewCircuitBreaker("redis-log-stream", resilience.DefaultCircuitBreakerConfig()),
		logger:  logger.OrGlobal(l),
	}
}

func (s *LogStream) Close() error {
	return s.client.Close()
}

// Emit appends line to the stream. It never blocks past the write timeout;
// lines are dropped while Redis is unreachable.
func (s *LogStream) Emit(line string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.Publish(ctx, line); err != nil {
		metrics.SinkDropped.WithLabelValues("redis").Inc()
		s.logger.Debug("dropped log line", zap.Error(err))
	}
}

// Publish appends line to the stream through the circuit breaker.
func (s *LogStream) Publish(ctx context.Context, line string) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		args := &redis.XAddArgs{
			Stream: s.stream,
			Values: map[string]interface{}{lineField: line},
		}
		if s.maxLen > 0 {
			args.MaxLen = s.maxLen
			args.Approx = true
		}
		if err := s.client.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("failed to append to log stream: %w", err)
		}
		return nil
	})
}

// Recent returns up to n of the newest lines, oldest first.
func (s *LogStream) Recent(ctx context.Context, n int64) ([]string, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read log stream: %w", err)
	}

	lines := make([]string, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		if line, ok := msgs[i].Values[lineField].(string); ok {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// Breaker exposes the breaker state for health reporting.
func (s *LogStream) Breaker() *resilience.CircuitBreaker {
	return s.breaker
}
