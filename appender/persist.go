package appender

import (
	"encoding/binary"
	"strings"

	bolt "go.etcd.io/bbolt"
)

var tqtBucket = []byte("topic_queue_table")

// SaveSnapshot persists the current next-offset for every
// (topic, queueId) pair the table has seen into a bbolt database,
// giving a fast-restart warm-up cache: the authoritative value is
// always re-derived by the Recoverer's scan, this is purely an
// optimization to avoid a full recovery scan on every restart.
func (t *TopicQueueTable) SaveSnapshot(db *bolt.DB) error {
	t.mu.Lock()
	snapshot := make(map[string]uint64, len(t.m))
	for k, v := range t.m {
		snapshot[k] = v
	}
	t.mu.Unlock()

	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(tqtBucket)
		if err != nil {
			return err
		}
		for k, v := range snapshot {
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], v)
			if err := b.Put([]byte(k), buf[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadSnapshot seeds the table from a previously saved bbolt database.
// Callers should still trust the Recoverer's scan as authoritative and
// only use this to warm the cache before recovery runs, or to skip a
// slow full scan when a clean-shutdown marker is present.
func (t *TopicQueueTable) LoadSnapshot(db *bolt.DB) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(tqtBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return nil
			}
			key := string(k)
			if !strings.Contains(key, "/") {
				return nil
			}
			t.m[key] = binary.BigEndian.Uint64(v)
			return nil
		})
	})
}
