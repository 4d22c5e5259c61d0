package state

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"credline/storage"
)

// KV wraps a storage.Database with RLP encoding and a write mutex so every
// logical state transition applies as a single serialized unit.
type KV struct {
	mu sync.Mutex
	db storage.Database
}

// NewKV binds the manager to a storage backend.
func NewKV(db storage.Database) *KV {
	return &KV{db: db}
}

// KVGet decodes the value stored at key into out. The boolean reports whether
// the key existed.
func (k *KV) KVGet(key []byte, out interface{}) (bool, error) {
	raw, err := k.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVPut encodes value with RLP and stores it at key.
func (k *KV) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return k.db.Put(key, encoded)
}

// KVDelete removes the key if present.
func (k *KV) KVDelete(key []byte) error {
	return k.db.Delete(key)
}

// Lock serializes a multi-key transition. Callers must pair it with Unlock.
func (k *KV) Lock() { k.mu.Lock() }

// Unlock releases the transition lock.
func (k *KV) Unlock() { k.mu.Unlock() }
