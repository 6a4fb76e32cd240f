package raft

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/quorumlock/quorumlock/types"
)

var (
	bucketState = []byte("state")
	bucketLog   = []byte("log")

	keyPersistentState = []byte("persistent")
)

// BoltStorage persists consensus state in a bbolt database. Writes are
// transactional and fsynced before returning, which satisfies the
// requirement that term, vote, and log reach stable storage before any
// RPC is acknowledged.
type BoltStorage struct {
	db   *bolt.DB
	path string
}

// NewBoltStorage opens (or creates) the database under dataDir.
func NewBoltStorage(dataDir string) (*BoltStorage, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dataDir, "quorumlock.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketState); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketLog)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &BoltStorage{db: db, path: path}, nil
}

func (bs *BoltStorage) SaveState(_ context.Context, state types.PersistentState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode persistent state: %w", err)
	}
	return bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put(keyPersistentState, data)
	})
}

func (bs *BoltStorage) LoadState(_ context.Context) (types.PersistentState, error) {
	var state types.PersistentState
	err := bs.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketState).Get(keyPersistentState)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptedState, err)
		}
		return nil
	})
	return state, err
}

func (bs *BoltStorage) AppendEntries(_ context.Context, entries []types.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encode entry %d: %w", e.Index, err)
			}
			if err := b.Put(indexKey(e.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (bs *BoltStorage) GetEntries(_ context.Context, lo, hi types.Index) ([]types.LogEntry, error) {
	if lo >= hi {
		return nil, nil
	}
	var out []types.LogEntry
	err := bs.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, v := c.Seek(indexKey(lo)); k != nil && keyIndex(k) < hi; k, v = c.Next() {
			var e types.LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("%w: entry %d: %v", ErrCorruptedState, keyIndex(k), err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (bs *BoltStorage) TruncateSuffix(_ context.Context, from types.Index) error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, _ := c.Seek(indexKey(from)); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (bs *BoltStorage) LastIndex(_ context.Context) (types.Index, error) {
	var last types.Index
	err := bs.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(bucketLog).Cursor().Last()
		if k != nil {
			last = keyIndex(k)
		}
		return nil
	})
	return last, err
}

func (bs *BoltStorage) Close() error {
	return bs.db.Close()
}

// indexKey encodes an index big-endian so bolt's byte ordering matches
// numeric ordering.
func indexKey(i types.Index) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(i))
	return k[:]
}

func keyIndex(k []byte) types.Index {
	return types.Index(binary.BigEndian.Uint64(k))
}
