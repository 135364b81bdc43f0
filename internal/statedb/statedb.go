// Package statedb persists the orchestrator's small, high-churn state,
// provider cooldowns and the sidecar session lock, in a single bbolt
// database file with one bucket per record kind. The database is opened
// fresh per call with a short lock timeout rather than held open for the
// process lifetime, so concurrent invocations never deadlock on it.
package statedb

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const openTimeout = 2 * time.Second

// Get reads the value stored under bucket/key into dest, returning
// ok=false if the database, bucket, or key does not exist yet.
func Get(path, bucket, key string, dest any) (bool, error) {
	db, err := open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = db.Close() }()

	found := false
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, dest)
	})
	return found, err
}

// Put writes value under bucket/key, creating the bucket if needed.
func Put(path, bucket, key string, value any) error {
	db, err := open(path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return db.Update(func(tx *bolt.Tx) error {
		b, errBucket := tx.CreateBucketIfNotExists([]byte(bucket))
		if errBucket != nil {
			return errBucket
		}
		return b.Put([]byte(key), encoded)
	})
}

// Delete removes bucket/key if present. Deleting a key from a bucket that
// does not exist is a no-op, not an error.
func Delete(path, bucket, key string) error {
	db, err := open(path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// ForEach iterates every key/value pair in bucket, decoding each value with
// decode. Iteration stops and returns the first decode error encountered. A
// missing bucket yields no iterations and no error.
func ForEach(path, bucket string, visit func(key string, raw []byte) error) error {
	db, err := open(path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	return db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			return visit(string(k), v)
		})
	})
}

func open(path string) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
}
