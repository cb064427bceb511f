package inmemory

import (
	"bytes"
	"slices"
	"sync"

	"github.com/agrotrace/trace-deployer/db"
)

type entry struct {
	value   []byte
	version uint64
}

// InMemoryDB implements an ephemeral in-memory db.Database.
type InMemoryDB struct {
	mu          sync.RWMutex
	data        map[string]entry
	nextVersion uint64
}

// Ensure that InMemoryDB implements the db.Database interface.
var _ db.Database = (*InMemoryDB)(nil)

// New returns a new in-memory database. Options are ignored.
func New(_ db.Options) (*InMemoryDB, error) {
	return &InMemoryDB{
		data: make(map[string]entry),
	}, nil
}

func (d *InMemoryDB) Close() error {
	return nil
}

func (d *InMemoryDB) WriteTx() db.WriteTx {
	return &WriteTx{
		db:     d,
		writes: make(map[string]*[]byte),
		reads:  make(map[string]uint64),
	}
}

func (d *InMemoryDB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ent, ok := d.data[string(key)]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return bytes.Clone(ent.value), nil
}

func (d *InMemoryDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	d.mu.RLock()
	entries := make(map[string][]byte, len(d.data))
	for k, ent := range d.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			entries[k] = bytes.Clone(ent.value)
		}
	}
	d.mu.RUnlock()
	iterateEntries(entries, callback)
	return nil
}

// version returns the version of key, 0 if it was never written. Must be
// called with the lock held.
func (d *InMemoryDB) version(key string) uint64 {
	return d.data[key].version
}

// WriteTx buffers writes and tracks the version of every key it reads so a
// concurrent modification makes Commit fail with db.ErrConflict.
type WriteTx struct {
	db     *InMemoryDB
	writes map[string]*[]byte
	reads  map[string]uint64
	done   bool
}

var _ db.WriteTx = (*WriteTx)(nil)

func (tx *WriteTx) recordRead(key string) {
	if _, ok := tx.reads[key]; ok {
		return
	}
	tx.db.mu.RLock()
	tx.reads[key] = tx.db.version(key)
	tx.db.mu.RUnlock()
}

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	if tx.done {
		return nil, db.ErrTxDone
	}
	strKey := string(key)
	if pending, ok := tx.writes[strKey]; ok {
		if pending == nil {
			return nil, db.ErrKeyNotFound
		}
		return bytes.Clone(*pending), nil
	}
	tx.recordRead(strKey)
	return tx.db.Get(key)
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(k, v []byte) bool) error {
	if tx.done {
		return db.ErrTxDone
	}
	tx.db.mu.RLock()
	entries := make(map[string][]byte, len(tx.db.data))
	for k, ent := range tx.db.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			entries[k] = bytes.Clone(ent.value)
		}
	}
	tx.db.mu.RUnlock()

	for k, v := range tx.writes {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if v == nil {
			delete(entries, k)
			continue
		}
		entries[k] = bytes.Clone(*v)
	}
	iterateEntries(entries, callback)
	return nil
}

func (tx *WriteTx) Set(key, value []byte) error {
	if tx.done {
		return db.ErrTxDone
	}
	tx.recordRead(string(key))
	valCopy := bytes.Clone(value)
	tx.writes[string(key)] = &valCopy
	return nil
}

func (tx *WriteTx) Delete(key []byte) error {
	if tx.done {
		return db.ErrTxDone
	}
	tx.recordRead(string(key))
	tx.writes[string(key)] = nil
	return nil
}

func (tx *WriteTx) Commit() error {
	if tx.done {
		return db.ErrTxDone
	}
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()

	for key, readVersion := range tx.reads {
		if tx.db.version(key) != readVersion {
			return db.ErrConflict
		}
	}
	for key, value := range tx.writes {
		if value == nil {
			delete(tx.db.data, key)
			continue
		}
		tx.db.nextVersion++
		tx.db.data[key] = entry{value: bytes.Clone(*value), version: tx.db.nextVersion}
	}
	tx.done = true
	return nil
}

func (tx *WriteTx) Discard() {
	tx.writes = map[string]*[]byte{}
	tx.reads = map[string]uint64{}
	tx.done = true
}

func iterateEntries(entries map[string][]byte, callback func(key, value []byte) bool) {
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	for _, key := range keys {
		if !callback([]byte(key), entries[key]) {
			break
		}
	}
}
