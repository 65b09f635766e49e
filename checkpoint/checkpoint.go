// Package checkpoint implements the StoreCheckpoint collaborator: an
// external record of the last-known physMsgTimestamp, logicsMsgTimestamp
// and indexMsgTimestamp, used by the recoverer to decide where
// abnormal recovery should start scanning from (§6).
package checkpoint

import (
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("checkpoint")

var (
	keyPhysic = []byte("physMsgTimestamp")
	keyLogics = []byte("logicsMsgTimestamp")
	keyIndex  = []byte("indexMsgTimestamp")
)

// Store persists the three checkpoint timestamps in a bbolt database,
// one key-value pair per timestamp.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the checkpoint database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) get(key []byte) int64 {
	var v int64
	s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName).Get(key)
		if len(b) == 8 {
			v = int64(binary.BigEndian.Uint64(b))
		}
		return nil
	})
	return v
}

func (s *Store) set(key []byte, v int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		return tx.Bucket(bucketName).Put(key, buf[:])
	})
}

// GetMinTimestamp returns the minimum of the three checkpointed
// timestamps: recovery must not assume anything durable beyond
// whichever index lags furthest behind.
func (s *Store) GetMinTimestamp() int64 {
	p, l, i := s.get(keyPhysic), s.get(keyLogics), s.get(keyIndex)
	min := p
	if l < min {
		min = l
	}
	if i < min {
		min = i
	}
	return min
}

// SetPhysicMsgTimestamp records the commit log's durable watermark.
func (s *Store) SetPhysicMsgTimestamp(t int64) error { return s.set(keyPhysic, t) }

// SetLogicsMsgTimestamp records the consume-queue index's watermark.
func (s *Store) SetLogicsMsgTimestamp(t int64) error { return s.set(keyLogics, t) }

// SetIndexMsgTimestamp records the key-hash index's watermark.
func (s *Store) SetIndexMsgTimestamp(t int64) error { return s.set(keyIndex, t) }
