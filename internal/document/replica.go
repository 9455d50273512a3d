package document

import (
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrReplicaNotFound is returned by a ReplicaStore for an unknown handle.
var ErrReplicaNotFound = errors.New("replica not found")

// ReplicaStore keeps serialized replicas on the local machine so a handle can
// be reopened without touching the network.
type ReplicaStore interface {
	Get(h Handle) ([]byte, error)
	Put(h Handle, data []byte) error
	Delete(h Handle) error
	Close() error
}

// MemoryReplicaStore is a process-local ReplicaStore.
type MemoryReplicaStore struct {
	mu   sync.RWMutex
	data map[Handle][]byte
}

func NewMemoryReplicaStore() *MemoryReplicaStore {
	return &MemoryReplicaStore{data: make(map[Handle][]byte)}
}

func (m *MemoryReplicaStore) Get(h Handle) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[h]
	if !ok {
		return nil, ErrReplicaNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryReplicaStore) Put(h Handle, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[h] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryReplicaStore) Delete(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, h)
	return nil
}

func (m *MemoryReplicaStore) Close() error { return nil }

var replicaBucket = []byte("replicas")

// BoltReplicaStore persists replicas in a bbolt file.
type BoltReplicaStore struct {
	db *bolt.DB
}

func OpenBoltReplicaStore(path string) (*BoltReplicaStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open replica store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(replicaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create replica bucket: %w", err)
	}
	return &BoltReplicaStore{db: db}, nil
}

func (b *BoltReplicaStore) Get(h Handle) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(replicaBucket).Get([]byte(h))
		if v == nil {
			return ErrReplicaNotFound
		}
		// v is only valid inside the transaction
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (b *BoltReplicaStore) Put(h Handle, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(replicaBucket).Put([]byte(h), data)
	})
}

func (b *BoltReplicaStore) Delete(h Handle) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(replicaBucket).Delete([]byte(h))
	})
}

func (b *BoltReplicaStore) Close() error {
	return b.db.Close()
}
