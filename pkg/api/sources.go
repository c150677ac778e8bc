package api

import (
	"context"

	"dtrunner/pkg/sink"
	redisstore "dtrunner/pkg/storage/redis"
)

// RingSource serves lines from an in-memory ring.
func RingSource(r *sink.Ring) LogSource {
	return func(_ context.Context, n int) ([]string, error) {
		lines := r.Lines()
		if n > 0 && len(lines) > n {
			lines = lines[len(lines)-n:]
		}
		return lines, nil
	}
}

// StreamSource serves lines from the redis log stream.
func StreamSource(s *redisstore.LogStream) LogSource {
	return func(ctx context.Context, n int) ([]string, error) {
		return s.Recent(ctx, int64(n))
	}
}
