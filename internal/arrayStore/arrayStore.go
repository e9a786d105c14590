// Package arrayStore holds the flushed entries of every array in one Badger
// keyspace. Each array owns a key prefix (its backing location); entries are
// keyed prefix || big-endian sequence number, so a prefix scan replays them
// in write order.
package arrayStore

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/labstor/labstor/pkg/types"
)

type Store struct {
	db  *badger.DB
	log *logrus.Logger
}

// Open opens (or creates) the Badger keyspace at path.
func Open(path string, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.New()
	}
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open array store: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		s.log.WithField("error", err).Warn("array store sync on close failed")
	}
	return s.db.Close()
}

func key(prefix string, seq int64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], uint64(seq))
	return k
}

// LastSeq returns the highest sequence number written under prefix, or ok ==
// false for an empty array. Used once per array handle to recover the next
// sequence number after a restart.
func (s *Store) LastSeq(prefix string) (int64, bool, error) {
	var seq int64
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the prefix's last possible key, then step back into it.
		seek := append([]byte(prefix), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		for it.Seek(seek); it.ValidForPrefix([]byte(prefix)); it.Next() {
			k := it.Item().Key()
			if len(k) != len(prefix)+8 {
				return fmt.Errorf("malformed array key of length %d under %q", len(k), prefix)
			}
			seq = int64(binary.BigEndian.Uint64(k[len(prefix):]))
			found = true
			return nil
		}
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("recover sequence for %q: %w", prefix, err)
	}
	return seq, found, nil
}

// Append writes entries under consecutive sequence numbers starting at
// startSeq, in one write batch.
func (s *Store) Append(prefix string, startSeq int64, entries []types.Entry) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for i, entry := range entries {
		value, err := encodeEntry(entry)
		if err != nil {
			return err
		}
		if err := wb.Set(key(prefix, startSeq+int64(i)), value); err != nil {
			return fmt.Errorf("batch entry %d of %q: %w", i, prefix, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush entries of %q: %w", prefix, err)
	}
	return nil
}

// Scan reads up to count entries of prefix in write order, starting at
// sequence number start. count <= 0 reads to the end. A fresh call re-reads
// from storage, so iteration is restartable.
func (s *Store) Scan(prefix string, start, count int64) ([]types.Entry, error) {
	var entries []types.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(key(prefix, start)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			if count > 0 && int64(len(entries)) >= count {
				break
			}
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read entry of %q: %w", prefix, err)
			}
			entry, err := decodeEntry(value)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// DropPrefix removes every entry of an array. Used when its dataset is
// deleted.
func (s *Store) DropPrefix(prefix string) error {
	if err := s.db.DropPrefix([]byte(prefix)); err != nil {
		return fmt.Errorf("drop array prefix %q: %w", prefix, err)
	}
	return nil
}

// RunGC triggers one value-log garbage collection pass. Badger reporting
// nothing to rewrite is not an error.
func (s *Store) RunGC() error {
	if err := s.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
		return fmt.Errorf("array store value log gc: %w", err)
	}
	return nil
}

func (s *Store) Sync() error {
	return s.db.Sync()
}
