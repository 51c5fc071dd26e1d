// Copyright 2025, Retune TV. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package kvstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSetGetDelete(t *testing.T) {
	db := openTestDB(t)

	_, ok, err := db.Get("missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, db.Set("a", []byte("1")))
	val, ok, err := db.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), val)

	require.NoError(t, db.Delete("a"))
	_, ok, err = db.Get("a")
	require.NoError(t, err)
	require.False(t, ok)

	// Deleting a missing key is fine.
	require.NoError(t, db.Delete("a"))
}

func TestKeysPrefix(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Set("ns1:a", []byte("1")))
	require.NoError(t, db.Set("ns1:b", []byte("2")))
	require.NoError(t, db.Set("ns2:a", []byte("3")))

	keys, err := db.Keys("ns1:")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"ns1:a", "ns1:b"}, keys)
}
