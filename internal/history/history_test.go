package history

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/localchain/internal/storage"
	"github.com/Klingon-tech/localchain/pkg/types"
)

func record(t *testing.T, s *Store, chain uint64, from, to uint64) {
	t.Helper()
	for n := from; n <= to; n++ {
		require.NoError(t, s.Record(chain, types.Block{Number: n, Hash: "0x01"}))
	}
}

func numbers(blocks []types.Block) []uint64 {
	out := make([]uint64, len(blocks))
	for i, b := range blocks {
		out[i] = b.Number
	}
	return out
}

func TestStore_RecentNewestFirst(t *testing.T) {
	s := New(storage.NewMemory(), 10)
	record(t, s, 1, 1, 5)

	got, err := s.Recent(1, 3)
	require.NoError(t, err)
	require.Equal(t, []uint64{5, 4, 3}, numbers(got))

	all, err := s.Recent(1, 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{5, 4, 3, 2, 1}, numbers(all))
}

func TestStore_Window(t *testing.T) {
	s := New(storage.NewMemory(), 4)
	record(t, s, 1, 0, 300)

	got, err := s.Recent(1, 100)
	require.NoError(t, err)
	require.Equal(t, []uint64{300, 299, 298, 297}, numbers(got))
}

func TestStore_WindowWithGaps(t *testing.T) {
	s := New(storage.NewMemory(), 4)
	record(t, s, 1, 1, 10)
	record(t, s, 1, 100, 100)
	record(t, s, 1, 500, 500)

	n, err := s.chain(1).Count(nil)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	got, err := s.Recent(1, 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{500, 100, 10, 9}, numbers(got))

	// A respawned node restarts numbering below the window.
	record(t, s, 1, 0, 1)
	n, err = s.chain(1).Count(nil)
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestStore_ChainsIsolated(t *testing.T) {
	s := New(storage.NewMemory(), 8)
	record(t, s, 1, 1, 3)
	record(t, s, 10, 1, 1)

	got, err := s.Recent(1, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)

	require.NoError(t, s.Drop(1))
	got, err = s.Recent(1, 0)
	require.NoError(t, err)
	require.Empty(t, got)

	latest, ok, err := s.Latest(10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), latest.Number)
}

func TestStore_Badger(t *testing.T) {
	db, err := storage.Open(storage.BackendBadger, t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	s := New(db, 16)
	record(t, s, 3, 250, 260)

	got, err := s.Recent(3, 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{260, 259}, numbers(got))

	require.NoError(t, s.Reset(3))
	_, ok, err := s.Latest(3)
	require.NoError(t, err)
	require.False(t, ok)
}
