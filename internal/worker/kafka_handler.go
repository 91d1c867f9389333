package worker

import (
	"context"

	"github.com/example/notifications-engine/internal/kafka/consumer"
)

// Committer flushes the offset of a consumed record.
type Committer interface {
	Commit(ctx context.Context, record *consumer.Record) error
}

// KafkaHandler returns a consumer.Handler that feeds records into engine and
// commits them through cons.
func KafkaHandler(engine *Engine, cons Committer) consumer.Handler {
	return func(ctx context.Context, rec *consumer.Record) error {
		if engine == nil || rec == nil {
			return nil
		}

		var commitFn func(context.Context) error
		if cons != nil {
			commitFn = func(c context.Context) error {
				return cons.Commit(c, rec)
			}
		}

		return engine.HandleRecord(ctx, NewRecordFromConsumer(rec, commitFn))
	}
}
