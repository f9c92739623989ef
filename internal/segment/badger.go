package segment

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"

	"hlsgrab/internal/errs"
)

// BadgerStore keeps segment blobs in a badger key-value database.
// Keys are "seg:<taskID>:<index>" with the index zero-padded so that
// iteration order matches segment order.
type BadgerStore struct {
	db *badger.DB
}

func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func segKey(taskID string, index int) []byte {
	return fmt.Appendf(nil, "seg:%s:%08d", taskID, index)
}

func taskPrefix(taskID string) []byte {
	return []byte("seg:" + taskID + ":")
}

func (s *BadgerStore) Put(ctx context.Context, taskID string, index int, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(segKey(taskID, index), data)
	})
	if err != nil && errs.IsStorageFull(err) {
		return errs.Wrap(err, errs.CodeStorageFull, "segment write failed")
	}
	return err
}

func (s *BadgerStore) Get(ctx context.Context, taskID string, index int) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(segKey(taskID, index))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Indexes(ctx context.Context, taskID string) ([]int, error) {
	prefix := taskPrefix(taskID)
	var idx []int
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			n, err := strconv.Atoi(string(key[len(prefix):]))
			if err != nil {
				continue
			}
			idx = append(idx, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

func (s *BadgerStore) SumBytes(ctx context.Context, taskID string) (int64, error) {
	prefix := taskPrefix(taskID)
	var total int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			total += it.Item().ValueSize()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *BadgerStore) Clear(ctx context.Context, taskID string) error {
	return s.db.DropPrefix(taskPrefix(taskID))
}
