package marketstore

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/quotefeed/pkg/types"
)

// Well-known KVStore namespaces.
const (
	NamespaceTicks     = "ticks"
	NamespaceDividends = "dividends"
	NamespaceSectors   = "sectors"
)

func init() {
	gob.Register(types.Tick{})
	gob.Register([]types.Dividend{})
	gob.Register(map[string]string{})
	gob.Register(decimal.Decimal{})
	gob.Register("")
	gob.Register([]byte{})
}

// KVStore is a persistent mapping of namespace -> (key -> value), backed by
// a single on-disk dump file. There is no per-key WAL: flush serializes the
// whole in-memory mapping atomically (write-temp-then-rename); a crash
// loses any changes since the last flush. Callers flush after bulk updates
// and at shutdown.
type KVStore struct {
	mu         sync.RWMutex
	path       string
	closed     bool
	namespaces map[string]map[string]any
}

// OpenKVStore loads the dump file at path, or starts empty if absent.
func OpenKVStore(path string) (*KVStore, error) {
	s := &KVStore{
		path:       path,
		namespaces: make(map[string]map[string]any),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	for _, ns := range []string{NamespaceTicks, NamespaceDividends, NamespaceSectors} {
		if s.namespaces[ns] == nil {
			s.namespaces[ns] = make(map[string]any)
		}
	}
	return s, nil
}

func (s *KVStore) load() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return Fatalf(err, "open kv dump %s", s.path)
	}
	defer f.Close()

	dec := gob.NewDecoder(f)
	var namespaces map[string]map[string]any
	if err := dec.Decode(&namespaces); err != nil {
		return Fatalf(err, "decode kv dump %s", s.path)
	}
	s.namespaces = namespaces
	return nil
}

// Flush atomically serializes every namespace to the dump file.
func (s *KVStore) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		panic("marketstore: Flush on closed KVStore")
	}
	return s.flushLocked()
}

func (s *KVStore) flushLocked() error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".dstore-*.tmp")
	if err != nil {
		return Fatalf(err, "create temp kv dump")
	}
	tmpPath := tmp.Name()

	enc := gob.NewEncoder(tmp)
	if err := enc.Encode(s.namespaces); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return Fatalf(err, "encode kv dump")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return Fatalf(err, "close temp kv dump")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return Fatalf(err, "rename temp kv dump")
	}
	return nil
}

// Close flushes and marks the store closed; any further access panics.
func (s *KVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.flushLocked(); err != nil {
		return err
	}
	s.closed = true
	return nil
}

// Namespace returns a handle onto one namespace: one of the well-known
// constants, or any other name (such as the opaque put_* namespaces), which
// is created on first access. StoreManager owns all access through these
// handles.
func (s *KVStore) Namespace(name string) *Namespace {
	return &Namespace{store: s, name: name}
}

// Namespace is a mapping of key -> value within one KVStore namespace.
// All operations assert the store is open; post-close access is a
// programming error and panics, matching the source's fail-fast contract.
type Namespace struct {
	store *KVStore
	name  string
}

func (n *Namespace) assertOpen() map[string]any {
	if n.store.closed {
		panic("marketstore: access to namespace " + n.name + " after KVStore close")
	}
	ns := n.store.namespaces[n.name]
	if ns == nil {
		ns = make(map[string]any)
		n.store.namespaces[n.name] = ns
	}
	return ns
}

// Get returns the value at key and whether it was present.
func (n *Namespace) Get(key string) (any, bool) {
	n.store.mu.RLock()
	defer n.store.mu.RUnlock()
	ns := n.assertOpen()
	v, ok := ns[key]
	return v, ok
}

// Set stores value at key.
func (n *Namespace) Set(key string, value any) {
	n.store.mu.Lock()
	defer n.store.mu.Unlock()
	ns := n.assertOpen()
	ns[key] = value
}

// Delete removes key, a no-op if absent.
func (n *Namespace) Delete(key string) {
	n.store.mu.Lock()
	defer n.store.mu.Unlock()
	ns := n.assertOpen()
	delete(ns, key)
}

// Has reports whether key is present.
func (n *Namespace) Has(key string) bool {
	n.store.mu.RLock()
	defer n.store.mu.RUnlock()
	ns := n.assertOpen()
	_, ok := ns[key]
	return ok
}

// Keys returns every key currently in the namespace.
func (n *Namespace) Keys() []string {
	n.store.mu.RLock()
	defer n.store.mu.RUnlock()
	ns := n.assertOpen()
	keys := make([]string, 0, len(ns))
	for k := range ns {
		keys = append(keys, k)
	}
	return keys
}

// Items returns a shallow copy of the namespace's key -> value mapping.
func (n *Namespace) Items() map[string]any {
	n.store.mu.RLock()
	defer n.store.mu.RUnlock()
	ns := n.assertOpen()
	items := make(map[string]any, len(ns))
	for k, v := range ns {
		items[k] = v
	}
	return items
}

// Len returns the number of keys in the namespace.
func (n *Namespace) Len() int {
	n.store.mu.RLock()
	defer n.store.mu.RUnlock()
	return len(n.assertOpen())
}
