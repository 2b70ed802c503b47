package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/store"
	"github.com/scottgal/lucidrag-sub005/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend { return New() })
}

func TestReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	rec := storetest.LedgerRecord("r", "h", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	_, err := s.AppendLedger(ctx, rec)
	require.NoError(t, err)

	got, err := s.GetLedger(ctx, "r")
	require.NoError(t, err)
	got.Vectors.Set(model.VectorOcrFidelity, 0.1)
	got.Contributions[0].Strength = 0

	again, err := s.GetLedger(ctx, "r")
	require.NoError(t, err)
	v, _ := again.Vectors.Get(model.VectorOcrFidelity)
	assert.Equal(t, 0.9, v)
	assert.Equal(t, 0.9, again.Contributions[0].Strength)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Ping(ctx), store.ErrBackendUnavailable)
	_, err := s.AppendLedger(ctx, model.LedgerRecord{ID: "x"})
	assert.ErrorIs(t, err, store.ErrBackendUnavailable)
	_, err = s.GetEffectiveness(ctx, model.EffectivenessKey{SignalKey: "x"})
	assert.ErrorIs(t, err, store.ErrBackendUnavailable)
}
