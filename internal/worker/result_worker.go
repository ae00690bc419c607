package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/config"
	"github.com/stemsi/exstem-cbt/internal/model"
)

const (
	ResultBatchSize    = 50
	ResultBatchTimeout = 2 * time.Second
	ResultPollTimeout  = 1 * time.Second

	// ResultMaxAttempts bounds how often a failing record is requeued.
	ResultMaxAttempts = 5
)

// ResultWriter is the result store the worker flushes into.
type ResultWriter interface {
	Record(ctx context.Context, rec model.ResultRecord) error
	RecordBatch(ctx context.Context, recs []model.ResultRecord) error
}

// ResultWorker drains persist_results_queue into the result store in batches.
type ResultWorker struct {
	store        ResultWriter
	rdb          *redis.Client
	log          zerolog.Logger
	batchSize    int
	batchTimeout time.Duration
	pollTimeout  time.Duration
}

func NewResultWorker(store ResultWriter, rdb *redis.Client, log zerolog.Logger) *ResultWorker {
	return &ResultWorker{
		store:        store,
		rdb:          rdb,
		log:          log.With().Str("component", "result_worker").Logger(),
		batchSize:    ResultBatchSize,
		batchTimeout: ResultBatchTimeout,
		pollTimeout:  ResultPollTimeout,
	}
}

type resultPayload struct {
	model.ResultRecord
	Attempts int `json:"attempts,omitempty"`
}

// ----------------------------------------------------------------
// Worker loop with batching
// ----------------------------------------------------------------

func (w *ResultWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ResultWorker started")

	batch := make([]*resultPayload, 0, w.batchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= w.batchSize || time.Since(lastFlush) >= w.batchTimeout) {

			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Int("pending", len(batch)).Msg("Shutdown requested. Flushing remaining batch...")
			w.flushSafe(context.Background(), batch)
			return

		default:
			item, err := w.rdb.BLPop(ctx, w.pollTimeout, config.WorkerKey.PersistResultsQueue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
				}
				continue
			}

			if len(item) < 2 {
				continue
			}

			var p resultPayload
			if err := json.Unmarshal([]byte(item[1]), &p); err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}

			batch = append(batch, &p)
		}
	}
}

// ----------------------------------------------------------------
// Batch insert with single-row fallback
// ----------------------------------------------------------------

func (w *ResultWorker) flushSafe(ctx context.Context, batch []*resultPayload) {
	if len(batch) == 0 {
		return
	}

	recs := make([]model.ResultRecord, len(batch))
	for i, p := range batch {
		recs[i] = p.ResultRecord
	}

	err := w.store.RecordBatch(ctx, recs)
	if err == nil {
		w.log.Debug().Int("count", len(recs)).Msg("Results persisted")
		return
	}
	w.log.Warn().Err(err).Msg("bulk result insert failed, using fallback")

	for _, p := range batch {
		if err := w.store.Record(ctx, p.ResultRecord); err != nil {
			w.requeue(ctx, p, err)
		}
	}
}

func (w *ResultWorker) requeue(ctx context.Context, p *resultPayload, cause error) {
	p.Attempts++
	logEvt := w.log.Error().Err(cause).
		Int("student_id", p.StudentID).
		Str("subject", p.Subject).
		Int("attempts", p.Attempts)

	if p.Attempts >= ResultMaxAttempts {
		logEvt.Msg("Result dropped after repeated failures; session row still holds the score")
		return
	}
	logEvt.Msg("Record failed, requeueing")

	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := w.rdb.RPush(ctx, config.WorkerKey.PersistResultsQueue, raw).Err(); err != nil {
		w.log.Error().Err(err).Msg("Requeue failed")
	}
}
