package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

// appendOnceScript adds the record to the stream unless its id was already seen.
// Keys: [stream_key, seen_key]
// Args: [record_id, payload, seen_ttl_seconds, max_len]
// Returns: 1 when appended, 0 for a duplicate
var appendOnceScript = redis.NewScript(`
if redis.call('SET', KEYS[2], '1', 'NX', 'EX', tonumber(ARGV[3])) then
    redis.call('XADD', KEYS[1], 'MAXLEN', '~', tonumber(ARGV[4]), '*', 'id', ARGV[1], 'record', ARGV[2])
    return 1
end
return 0
`)

// RedisStreamUsageLog appends usage records to a Redis stream for
// downstream consumers.
type RedisStreamUsageLog struct {
	client  *redis.Client
	stream  string
	seenTTL time.Duration
	maxLen  int64
}

func NewRedisStreamUsageLog(redisURL, stream string) (*RedisStreamUsageLog, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisStreamUsageLogWithClient(client, stream), nil
}

func NewRedisStreamUsageLogWithClient(client *redis.Client, stream string) *RedisStreamUsageLog {
	return &RedisStreamUsageLog{
		client:  client,
		stream:  stream,
		seenTTL: 24 * time.Hour,
		maxLen:  1_000_000,
	}
}

func (l *RedisStreamUsageLog) Append(ctx context.Context, record domain.UsageRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}

	id := record.ID.String()
	keys := []string{l.stream, l.stream + ":seen:" + id}
	args := []any{id, payload, int64(l.seenTTL.Seconds()), l.maxLen}

	if err := appendOnceScript.Run(ctx, l.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}
	return nil
}

func (l *RedisStreamUsageLog) Client() *redis.Client { return l.client }

func (l *RedisStreamUsageLog) Close() error {
	return l.client.Close()
}
