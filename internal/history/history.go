// Package history keeps the most recent blocks of every chain so that a
// viewer attaching late can render what it missed. It is not a chain
// database: a chain's history is cleared every time its node is spawned.
package history

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Klingon-tech/localchain/internal/storage"
	"github.com/Klingon-tech/localchain/pkg/types"
)

// DefaultLimit is the number of blocks kept per chain.
const DefaultLimit = 256

// Store records recent blocks per chain.
type Store struct {
	db    storage.DB
	limit int

	mu     sync.Mutex
	chains map[uint64]*storage.PrefixDB
}

// New creates a store keeping up to limit blocks per chain.
func New(db storage.DB, limit int) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{db: db, limit: limit, chains: make(map[uint64]*storage.PrefixDB)}
}

func (s *Store) chain(id uint64) *storage.PrefixDB {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.chains[id]
	if !ok {
		p = storage.NewPrefixDB(s.db, []byte(fmt.Sprintf("chain/%d/", id)))
		s.chains[id] = p
	}
	return p
}

func blockKey(number uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], number)
	return k[:]
}

// Record stores b and prunes the oldest blocks beyond the window.
func (s *Store) Record(chainID uint64, b types.Block) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode block %d: %w", b.Number, err)
	}

	db := s.chain(chainID)
	if err := db.Put(blockKey(b.Number), data); err != nil {
		return fmt.Errorf("store block %d: %w", b.Number, err)
	}
	return s.prune(chainID, db)
}

// prune deletes the lowest numbered blocks until at most limit remain.
// Keys sort by block number, so iteration order is oldest first.
func (s *Store) prune(chainID uint64, db *storage.PrefixDB) error {
	n, err := db.Count(nil)
	if err != nil {
		return fmt.Errorf("count history of chain %d: %w", chainID, err)
	}
	excess := n - s.limit
	if excess <= 0 {
		return nil
	}

	stale := make([][]byte, 0, excess)
	err = db.ForEach(nil, func(key, _ []byte) error {
		if len(stale) < excess {
			stale = append(stale, bytes.Clone(key))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan history of chain %d: %w", chainID, err)
	}
	for _, key := range stale {
		if err := db.Delete(key); err != nil {
			return fmt.Errorf("evict block %d: %w", binary.BigEndian.Uint64(key), err)
		}
	}
	return nil
}

// Recent returns up to n blocks, newest first. n <= 0 means the whole window.
func (s *Store) Recent(chainID uint64, n int) ([]types.Block, error) {
	if n <= 0 || n > s.limit {
		n = s.limit
	}

	var all []types.Block
	err := s.chain(chainID).ForEach(nil, func(_, value []byte) error {
		var b types.Block
		if err := json.Unmarshal(value, &b); err != nil {
			return err
		}
		all = append(all, b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read history of chain %d: %w", chainID, err)
	}

	out := make([]types.Block, 0, min(n, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// Latest returns the newest recorded block.
func (s *Store) Latest(chainID uint64) (types.Block, bool, error) {
	blocks, err := s.Recent(chainID, 1)
	if err != nil || len(blocks) == 0 {
		return types.Block{}, false, err
	}
	return blocks[0], true, nil
}

// Reset clears a chain's history.
func (s *Store) Reset(chainID uint64) error {
	return s.chain(chainID).DeleteAll()
}

// Drop clears a chain's history and forgets its namespace.
func (s *Store) Drop(chainID uint64) error {
	err := s.Reset(chainID)
	s.mu.Lock()
	delete(s.chains, chainID)
	s.mu.Unlock()
	return err
}
