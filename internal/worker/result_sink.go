package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-cbt/internal/config"
	"github.com/stemsi/exstem-cbt/internal/model"
)

// QueueResultSink hands finalized results to the ResultWorker through Redis.
type QueueResultSink struct {
	rdb *redis.Client
}

func NewQueueResultSink(rdb *redis.Client) *QueueResultSink {
	return &QueueResultSink{rdb: rdb}
}

// Record enqueues rec for asynchronous persistence.
func (s *QueueResultSink) Record(ctx context.Context, rec model.ResultRecord) error {
	raw, err := json.Marshal(resultPayload{ResultRecord: rec})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistResultsQueue, raw).Err(); err != nil {
		return fmt.Errorf("enqueue result: %w", err)
	}
	return nil
}
