package pipeline

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coherencebus/internal/types"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedgerSuspendTakeRoundTrip(t *testing.T) {
	l := openTestLedger(t)
	m := proposal(types.MutationUpdateField, "MERCADO.segmento", "enterprise", 0.8)

	require.NoError(t, l.Suspend(m, "contradiction @ 0.90 on MERCADO.segmento"))

	got, err := l.Take(m.MutationID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, m.MutationID, got.Mutation.MutationID)
	assert.Equal(t, "enterprise", got.Mutation.NewValue)
	assert.Equal(t, "contradiction @ 0.90 on MERCADO.segmento", got.Reason)
	assert.WithinDuration(t, time.Now(), got.SuspendedAt, 5*time.Second)

	// Take removes: a duplicate decision finds nothing.
	again, err := l.Take(m.MutationID)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestLedgerTakeUnknownID(t *testing.T) {
	l := openTestLedger(t)
	got, err := l.Take("mut-nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLedgerSuspendIdempotent(t *testing.T) {
	l := openTestLedger(t)
	m := proposal(types.MutationUpdateField, "MERCADO.segmento", "enterprise", 0.8)

	require.NoError(t, l.Suspend(m, "first"))
	require.NoError(t, l.Suspend(m, "second"))

	list, err := l.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "second", list[0].Reason)
}

func TestLedgerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := OpenLedger(path)
	require.NoError(t, err)
	m := proposal(types.MutationAddInsight, "OFERTA.precio_modelo", "suscripcion", 0.9)
	require.NoError(t, l.Suspend(m, "parked"))
	require.NoError(t, l.Close())

	l, err = OpenLedger(path)
	require.NoError(t, err)
	defer l.Close()

	list, err := l.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, m.MutationID, list[0].MutationID)
}
