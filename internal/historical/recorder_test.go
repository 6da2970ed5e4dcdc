package historical

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"csic-platform/service/blockchain/recording/internal/domain"
)

// TestRecorder_RejectsInvalidBlockRange ensures a from_block > to_block
// job request fails fast before any collaborator (registry, indexer,
// store) is touched.
func TestRecorder_RejectsInvalidBlockRange(t *testing.T) {
	r := &Recorder{}
	err := r.Run(context.Background(), JobRequest{
		EventID:         "swap",
		ContractAddress: "0xcontract",
		FromBlock:       100,
		ToBlock:         50,
	})
	assert.True(t, errors.Is(err, domain.ErrInvalidBlockRange))
}
