// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package kvstore wraps badger as the durable key-value layer. Keys are
// flat strings; the channel store and setup coordinator namespace them
// with prefixes. "Out of space" failures are normalized to
// ErrQuotaExceeded so callers can run staged recovery.
package kvstore

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrQuotaExceeded marks writes rejected for lack of space.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// DB is a single badger instance shared by all namespaces.
type DB struct {
	b *badger.DB
}

// Open opens (or creates) the store at dir. An empty dir opens an
// in-memory instance, used by tests.
func Open(dir string) (*DB, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)
	b, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	return &DB{b: b}, nil
}

// Close releases the underlying badger instance.
func (d *DB) Close() error { return d.b.Close() }

// Get returns the value for key and whether it exists.
func (d *DB) Get(key string) ([]byte, bool, error) {
	var val []byte
	err := d.b.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get %q: %w", key, err)
	}
	return val, true, nil
}

// Set writes key atomically.
func (d *DB) Set(key string, value []byte) error {
	err := d.b.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		if isQuotaErr(err) {
			return fmt.Errorf("kv set %q: %w", key, ErrQuotaExceeded)
		}
		return fmt.Errorf("kv set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (d *DB) Delete(key string) error {
	err := d.b.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	return nil
}

// Keys returns all keys with the given prefix.
func (d *DB) Keys(prefix string) ([]string, error) {
	var keys []string
	err := d.b.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kv scan %q: %w", prefix, err)
	}
	return keys, nil
}

func isQuotaErr(err error) bool {
	if errors.Is(err, badger.ErrTxnTooBig) || errors.Is(err, syscall.ENOSPC) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "no space left")
}
