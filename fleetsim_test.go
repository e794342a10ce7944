package fleetsim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRejectsMissingHistoryDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()

	client, err := New(context.Background(), cfg)
	assert.Nil(t, client)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
