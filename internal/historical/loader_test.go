package historical

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"csic-platform/service/blockchain/recording/internal/domain"
	"csic-platform/service/blockchain/recording/internal/indexer"
)

// fakeCheckpointStore is an in-memory CheckpointStore, letting loader
// tests exercise resume without a real Postgres connection.
type fakeCheckpointStore struct {
	completed map[string]uint64
}

func newFakeCheckpointStore() *fakeCheckpointStore {
	return &fakeCheckpointStore{completed: make(map[string]uint64)}
}

func (f *fakeCheckpointStore) Advance(_ context.Context, jobKey string, lastCompletedBlock uint64) error {
	f.completed[jobKey] = lastCompletedBlock
	return nil
}

func (f *fakeCheckpointStore) LastCompleted(_ context.Context, jobKey string) (uint64, bool, error) {
	v, ok := f.completed[jobKey]
	return v, ok, nil
}

func newFakeIndexerServer(t *testing.T, logsPerWindow int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		from := r.URL.Query().Get("fromBlock")
		logs := make([]domain.EventLog, 0, logsPerWindow)
		for i := 0; i < logsPerWindow; i++ {
			logs = append(logs, domain.EventLog{TransactionHash: fmt.Sprintf("0xtx-%s-%d", from, i)})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": logs})
	}))
}

// TestLoader_EmitsTrailingSentinel covers the loader's end-of-stream
// contract: after the last window it emits exactly one empty RawBatch,
// which downstream stages treat as "done" instead of channel closure.
func TestLoader_EmitsTrailingSentinel(t *testing.T) {
	srv := newFakeIndexerServer(t, 1)
	defer srv.Close()

	idx := indexer.New(srv.URL, "key")
	loader := NewLoader(idx, nil, time.Millisecond, 10, nil, zap.NewNop().Sugar())

	out := make(chan RawBatch, 16)
	err := loader.Load(context.Background(), "job1", "0xcontract", "0xtopic", 0, 9, out)
	require.NoError(t, err)
	close(out)

	var batches []RawBatch
	for b := range out {
		batches = append(batches, b)
	}
	require.NotEmpty(t, batches)
	last := batches[len(batches)-1]
	assert.Empty(t, last.Logs, "final batch must be the empty sentinel")
	for _, b := range batches[:len(batches)-1] {
		assert.NotEmpty(t, b.Logs)
	}
}

// TestLoader_ResumesFromCheckpoint covers S8: a job with existing
// checkpoint progress resumes from the block after the last completed
// window instead of restarting from fromBlock.
func TestLoader_ResumesFromCheckpoint(t *testing.T) {
	var seenFrom []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenFrom = append(seenFrom, r.URL.Query().Get("fromBlock"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": []domain.EventLog{}})
	}))
	defer srv.Close()

	idx := indexer.New(srv.URL, "key")
	checkpoint := newFakeCheckpointStore()
	jobKey := "event:contract:0:19"
	checkpoint.completed[jobKey] = 9 // windows [0,9] already completed

	loader := NewLoader(idx, nil, time.Millisecond, 10, checkpoint, zap.NewNop().Sugar())

	out := make(chan RawBatch, 16)
	err := loader.Load(context.Background(), jobKey, "0xcontract", "0xtopic", 0, 19, out)
	require.NoError(t, err)

	require.NotEmpty(t, seenFrom)
	assert.Equal(t, "10", seenFrom[0], "resume must start from the block after the last completed one")
}
