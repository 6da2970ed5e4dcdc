package historical

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"csic-platform/service/blockchain/recording/internal/domain"
	"csic-platform/service/blockchain/recording/internal/indexer"
	"csic-platform/service/blockchain/recording/internal/ratelimit"
)

// defaultBlocksPerBatch matches the component design's "chosen small
// (~15-30) because the indexer does not paginate and silently truncates
// oversize windows" guidance.
const defaultBlocksPerBatch = 20

// Loader paginates the indexer over a block range in fixed-size windows,
// emitting each non-empty result batch and a trailing empty-batch
// sentinel on completion.
type Loader struct {
	indexer        *indexer.Client
	limiter        *ratelimit.Limiter
	sleep          time.Duration
	blocksPerBatch uint64
	logger         *zap.SugaredLogger

	// checkpoint is optional; when set, Load advances it after every
	// window so a crashed run can resume instead of restarting the whole
	// backfill from fromBlock.
	checkpoint CheckpointStore
}

// CheckpointStore is the narrow persistence surface the loader advances
// after each window. Satisfied by internal/checkpoint.Store.
type CheckpointStore interface {
	Advance(ctx context.Context, jobKey string, lastCompletedBlock uint64) error
	LastCompleted(ctx context.Context, jobKey string) (uint64, bool, error)
}

// NewLoader builds a Loader. blocksPerBatch <= 0 selects
// defaultBlocksPerBatch. checkpoint may be nil to disable resume support.
func NewLoader(idx *indexer.Client, limiter *ratelimit.Limiter, sleep time.Duration, blocksPerBatch int, checkpoint CheckpointStore, logger *zap.SugaredLogger) *Loader {
	if blocksPerBatch <= 0 {
		blocksPerBatch = defaultBlocksPerBatch
	}
	return &Loader{
		indexer:        idx,
		limiter:        limiter,
		sleep:          sleep,
		blocksPerBatch: uint64(blocksPerBatch),
		checkpoint:     checkpoint,
		logger:         logger,
	}
}

// Load fetches logs for (contractAddress, topic) over [fromBlock,
// toBlock] in windows of l.blocksPerBatch, emitting RawBatch to out, and
// finishes with an empty-batch sentinel. jobKey identifies the job for
// checkpoint resume; if the checkpoint store already has progress for
// jobKey, Load resumes from the block after the last completed window.
func (l *Loader) Load(ctx context.Context, jobKey, contractAddress, topic string, fromBlock, toBlock uint64, out chan<- RawBatch) error {
	start := fromBlock
	if l.checkpoint != nil {
		if last, ok, err := l.checkpoint.LastCompleted(ctx, jobKey); err != nil {
			return err
		} else if ok && last+1 > start {
			start = last + 1
		}
	}

	for i := start; i <= toBlock; i += l.blocksPerBatch {
		windowEnd := i + l.blocksPerBatch - 1
		if windowEnd > toBlock {
			windowEnd = toBlock
		}

		var logs []domain.EventLog
		for {
			if l.limiter != nil {
				if err := l.limiter.Wait(ctx, "indexer"); err != nil {
					return err
				}
			}

			var err error
			logs, err = l.indexer.GetLogs(ctx, contractAddress, topic, i, windowEnd)
			if err == nil {
				break
			}
			if !errors.Is(err, domain.ErrRateLimited) {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.sleep):
			}
		}
		if len(logs) > 0 {
			select {
			case out <- RawBatch{Logs: logs}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if l.checkpoint != nil {
			if err := l.checkpoint.Advance(ctx, jobKey, windowEnd); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.sleep):
		}
	}

	select {
	case out <- RawBatch{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
