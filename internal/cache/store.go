package cache

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haatos/simple-cd/internal/fault"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const DefaultNamespaceBudget int64 = 10 << 30

type Entry struct {
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	Address   string    `json:"address"`
	Location  string    `json:"location"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

type Observer interface {
	CacheLookup(namespace string, hit, exact bool)
	CacheEvicted(namespace string, bytes int64)
}

type record struct {
	entry    Entry
	written  uint64
	accessed uint64
	readers  int
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

type Store struct {
	blobs         BlobStore
	clock         clockwork.Clock
	observer      Observer
	defaultBudget int64
	budgets       map[string]int64

	mu      sync.Mutex
	entries map[string]map[string]*record
	usage   map[string]int64
	seq     uint64

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

type Option func(*Store)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

func WithDefaultBudget(bytes int64) Option {
	return func(s *Store) { s.defaultBudget = bytes }
}

func WithBudget(namespace string, bytes int64) Option {
	return func(s *Store) { s.budgets[namespace] = bytes }
}

func NewStore(blobs BlobStore, opts ...Option) *Store {
	s := &Store{
		blobs:         blobs,
		clock:         clockwork.NewRealClock(),
		defaultBudget: DefaultNamespaceBudget,
		budgets:       make(map[string]int64),
		entries:       make(map[string]map[string]*record),
		usage:         make(map[string]int64),
		locks:         make(map[string]*keyLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hit pins an entry against eviction until Release is called.
type Hit struct {
	Entry Entry
	Exact bool

	store   *Store
	release sync.Once
}

func (h *Hit) Open() (io.ReadCloser, error) {
	return h.store.blobs.Open(h.Entry.Location)
}

func (h *Hit) Release() {
	h.release.Do(func() {
		h.store.unpin(h.Entry.Namespace, h.Entry.Key)
	})
}

// Get looks up key exactly, then each restore key as a prefix in the given
// order, returning the most recently written match. The returned Hit must be
// released.
func (s *Store) Get(namespace, key string, restoreKeys []string) (*Hit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.entries[namespace]
	rec, exact := keys[key], true
	if rec == nil {
		exact = false
		for _, prefix := range restoreKeys {
			if rec = s.newestWithPrefix(keys, prefix); rec != nil {
				break
			}
		}
	}
	if rec == nil {
		s.observeLookup(namespace, false, false)
		return nil, false
	}

	s.seq++
	rec.accessed = s.seq
	rec.readers++
	s.observeLookup(namespace, true, exact)
	return &Hit{Entry: rec.entry, Exact: exact, store: s}, true
}

func (s *Store) newestWithPrefix(keys map[string]*record, prefix string) *record {
	var newest *record
	for k, rec := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if newest == nil || rec.written > newest.written {
			newest = rec
		}
	}
	return newest
}

// Put stores payload under key. The first writer wins: a put for an existing
// key fails with fault.ErrAlreadyExists and leaves the entry untouched.
func (s *Store) Put(ctx context.Context, namespace, key string, payload io.Reader) (Entry, error) {
	lockKey := namespace + "\x00" + key
	s.lockKey(lockKey)
	defer s.unlockKey(lockKey)

	if existing, ok := s.lookup(namespace, key); ok {
		return existing, fault.New(fault.KindConflict, "cache", "put", fault.ErrAlreadyExists).
			With("key", key)
	}

	address := Address(namespace, key)
	location, size, err := s.blobs.Write(ctx, namespace, s.blobName(address), payload)
	if err != nil {
		return Entry{}, fault.Infrastructure("cache", "put", err).With("key", key)
	}
	entry := Entry{
		Namespace: namespace,
		Key:       key,
		Address:   address,
		Location:  location,
		Size:      size,
		CreatedAt: s.clock.Now().UTC(),
	}

	s.mu.Lock()
	keys, ok := s.entries[namespace]
	if !ok {
		keys = make(map[string]*record)
		s.entries[namespace] = keys
	}
	s.seq++
	keys[key] = &record{entry: entry, written: s.seq, accessed: s.seq}
	s.usage[namespace] += size
	evicted := s.evictLocked(namespace, key)
	s.mu.Unlock()

	s.deleteBlobs(evicted)
	return entry, nil
}

// blobName gives every write its own blob, so deleting an evicted entry
// never reaches a later write of the same key.
func (s *Store) blobName(address string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return address + "-" + strconv.FormatUint(s.seq, 10)
}

func (s *Store) lookup(namespace, key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.entries[namespace][key]; ok {
		return rec.entry, true
	}
	return Entry{}, false
}

func (s *Store) unpin(namespace, key string) {
	s.mu.Lock()
	if rec, ok := s.entries[namespace][key]; ok && rec.readers > 0 {
		rec.readers--
	}
	evicted := s.evictLocked(namespace, "")
	s.mu.Unlock()
	s.deleteBlobs(evicted)
}

func (s *Store) budget(namespace string) int64 {
	if b, ok := s.budgets[namespace]; ok {
		return b
	}
	return s.defaultBudget
}

// evictLocked removes least recently used, unpinned entries until the
// namespace fits its budget. keep is never evicted.
func (s *Store) evictLocked(namespace, keep string) []Entry {
	evicted := make([]Entry, 0)
	budget := s.budget(namespace)
	keys := s.entries[namespace]
	for s.usage[namespace] > budget {
		var victim *record
		for k, rec := range keys {
			if k == keep || rec.readers > 0 {
				continue
			}
			if victim == nil || rec.accessed < victim.accessed {
				victim = rec
			}
		}
		if victim == nil {
			break
		}
		delete(keys, victim.entry.Key)
		s.usage[namespace] -= victim.entry.Size
		evicted = append(evicted, victim.entry)
	}
	return evicted
}

func (s *Store) deleteBlobs(entries []Entry) {
	for _, e := range entries {
		if s.observer != nil {
			s.observer.CacheEvicted(e.Namespace, e.Size)
		}
		if err := s.blobs.Delete(e.Location); err != nil {
			log.Warn().Err(err).Str("key", e.Key).Msg("deleting evicted cache blob")
		}
	}
}

func (s *Store) observeLookup(namespace string, hit, exact bool) {
	if s.observer != nil {
		s.observer.CacheLookup(namespace, hit, exact)
	}
}

func (s *Store) lockKey(k string) {
	s.locksMu.Lock()
	l, ok := s.locks[k]
	if !ok {
		l = new(keyLock)
		s.locks[k] = l
	}
	l.refs++
	s.locksMu.Unlock()
	l.mu.Lock()
}

func (s *Store) unlockKey(k string) {
	s.locksMu.Lock()
	l := s.locks[k]
	l.refs--
	if l.refs == 0 {
		delete(s.locks, k)
	}
	s.locksMu.Unlock()
	l.mu.Unlock()
}

// Usage reports the number of entries and stored bytes in a namespace.
func (s *Store) Usage(namespace string) (int, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries[namespace]), s.usage[namespace]
}
