package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis pub/sub channel names. A web process subscribes to these and
// re-emits over WebSocket.
const (
	ProgressChannel = "tweetkb:progress"
	LogsChannel     = "tweetkb:logs"
)

// RedisSink delivers event batches over Redis pub/sub, log messages on
// a separate channel from progress/phase/task events.
type RedisSink struct {
	progress *redis.Client
	logs     *redis.Client
}

// NewRedisSink connects clients for the progress and logs channels.
// An empty logsURL reuses the progress connection.
func NewRedisSink(progressURL, logsURL string) (*RedisSink, error) {
	progOpts, err := redis.ParseURL(progressURL)
	if err != nil {
		return nil, fmt.Errorf("parse progress redis url: %w", err)
	}
	s := &RedisSink{progress: redis.NewClient(progOpts)}

	if logsURL == "" || logsURL == progressURL {
		s.logs = s.progress
		return s, nil
	}
	logOpts, err := redis.ParseURL(logsURL)
	if err != nil {
		return nil, fmt.Errorf("parse logs redis url: %w", err)
	}
	s.logs = redis.NewClient(logOpts)
	return s, nil
}

// PublishBatch splits the batch by channel and publishes each part as
// one JSON array message.
func (s *RedisSink) PublishBatch(ctx context.Context, batch []Event) error {
	var logEvents, progressEvents []Event
	for _, e := range batch {
		if e.Type == EventLogMessage {
			logEvents = append(logEvents, e)
		} else {
			progressEvents = append(progressEvents, e)
		}
	}

	if err := s.publish(ctx, s.progress, ProgressChannel, progressEvents); err != nil {
		return err
	}
	return s.publish(ctx, s.logs, LogsChannel, logEvents)
}

func (s *RedisSink) publish(ctx context.Context, client *redis.Client, channel string, batch []Event) error {
	if len(batch) == 0 {
		return nil
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode event batch: %w", err)
	}
	if err := client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Ping checks both connections.
func (s *RedisSink) Ping(ctx context.Context) error {
	if err := s.progress.Ping(ctx).Err(); err != nil {
		return err
	}
	if s.logs != s.progress {
		return s.logs.Ping(ctx).Err()
	}
	return nil
}

// Close closes the underlying connections.
func (s *RedisSink) Close() error {
	err := s.progress.Close()
	if s.logs != s.progress {
		if logErr := s.logs.Close(); err == nil {
			err = logErr
		}
	}
	return err
}
