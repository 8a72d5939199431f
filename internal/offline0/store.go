package offline0

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Cache is one named generation's request -> response store.
type Cache interface {
	Name() string
	Match(ctx context.Context, url string) (*Entry, bool, error)
	Put(ctx context.Context, url string, ent *Entry) error
	Delete(ctx context.Context, url string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// CacheStorage holds every named cache, like the browser's CacheStorage.
type CacheStorage interface {
	Open(ctx context.Context, name string) (Cache, error)
	// Match looks the URL up in every cache.
	Match(ctx context.Context, url string) (*Entry, bool, error)
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
}

// QuotaAuto asks the store to derive its quota from the filesystem.
const QuotaAuto int64 = -1

const (
	genPrefix   = "g:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

// LevelStore is a quota-bounded CacheStorage on LevelDB.
//
// Keys: "g:<cache>" marks a cache, "e:<cache>\x00<url>" holds a gob-encoded Entry.
// Entry sizes are indexed in memory and rebuilt on open. Only Open creates a
// cache; Delete bumps the cache's epoch so handles opened before it stop writing.
type LevelStore struct {
	path  string
	quota int64

	db *leveldb.DB

	mu     sync.Mutex
	closed bool
	index  map[string]map[string]int64
	epochs map[string]uint64
	total  int64
}

func OpenLevelStore(path string, quota int64) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return newLevelStore(db, path, quota)
}

// OpenMemStore returns a LevelStore backed by memory.
func OpenMemStore(quota int64) (*LevelStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newLevelStore(db, "", quota)
}

func newLevelStore(db *leveldb.DB, path string, quota int64) (*LevelStore, error) {
	s := &LevelStore{
		path:  path,
		quota: quota,
		db:    db,
		index:  map[string]map[string]int64{},
		epochs: map[string]uint64{},
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *LevelStore) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(genPrefix)))
		s.index[name] = map[string]int64{}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	it = s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()
	for it.Next() {
		name, url, ok := splitEntryKey(it.Key())
		if !ok {
			continue
		}
		urls := s.index[name]
		if urls == nil {
			urls = map[string]int64{}
			s.index[name] = urls
		}
		sz := int64(len(it.Value()))
		urls[url] = sz
		s.total += sz
	}
	return it.Error()
}

// Estimate reports stored bytes and the effective quota (0 when unknown).
func (s *LevelStore) Estimate(ctx context.Context) (Estimate, error) {
	if err := ctx.Err(); err != nil {
		return Estimate{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Estimate{}, ErrStoreClosed
	}
	return Estimate{Usage: s.total, Quota: s.limitLocked()}, nil
}

func (s *LevelStore) limitLocked() int64 {
	if s.quota == QuotaAuto {
		if s.path == "" {
			return 0
		}
		free, ok := filesystemFreeBytes(s.path)
		if !ok {
			return 0
		}
		return s.total + int64(free)
	}
	return max(s.quota, 0)
}

func (s *LevelStore) Open(ctx context.Context, name string) (Cache, error) {
	if name == "" || strings.Contains(name, keySep) {
		return nil, errors.New("invalid cache name")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if _, ok := s.index[name]; !ok {
		if err := s.db.Put([]byte(genPrefix+name), nil, nil); err != nil {
			return nil, err
		}
		s.index[name] = map[string]int64{}
	}
	return &levelCache{s: s, name: name, epoch: s.epochs[name]}, nil
}

func (s *LevelStore) Match(ctx context.Context, url string) (*Entry, bool, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, name := range names {
		ent, ok, err := s.get(name, url)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return ent, true, nil
		}
	}
	return nil, false, nil
}

func (s *LevelStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]string, 0, len(s.index))
	for name := range s.index {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *LevelStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	urls, ok := s.index[name]
	if !ok {
		return false, nil
	}
	batch := new(leveldb.Batch)
	var freed int64
	for url, sz := range urls {
		batch.Delete(entryKey(name, url))
		freed += sz
	}
	batch.Delete([]byte(genPrefix + name))
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	delete(s.index, name)
	s.epochs[name]++
	s.total -= freed
	return true, nil
}

func (s *LevelStore) get(name, url string) (*Entry, bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, ErrStoreClosed
	}
	_, ok := s.index[name][url]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	b, err := s.db.Get(entryKey(name, url), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return nil, false, err
	}
	return &ent, true, nil
}

func (s *LevelStore) put(name string, epoch uint64, url string, ent *Entry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	size := int64(len(b))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	urls, exists := s.index[name]
	if !exists || s.epochs[name] != epoch {
		return fmt.Errorf("%s: %w", name, ErrCacheDeleted)
	}
	old := urls[url]
	if limit := s.limitLocked(); limit > 0 && s.total-old+size > limit {
		return ErrQuotaExceeded
	}

	if err := s.db.Put(entryKey(name, url), b, nil); err != nil {
		return err
	}
	urls[url] = size
	s.total += size - old
	return nil
}

func (s *LevelStore) remove(name, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	sz, ok := s.index[name][url]
	if !ok {
		return false, nil
	}
	if err := s.db.Delete(entryKey(name, url), nil); err != nil {
		return false, err
	}
	delete(s.index[name], url)
	s.total -= sz
	return true, nil
}

func (s *LevelStore) urls(name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]string, 0, len(s.index[name]))
	for url := range s.index[name] {
		out = append(out, url)
	}
	sort.Strings(out)
	return out, nil
}

type levelCache struct {
	s     *LevelStore
	name  string
	epoch uint64
}

func (c *levelCache) Name() string { return c.name }

func (c *levelCache) Match(ctx context.Context, url string) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return c.s.get(c.name, url)
}

func (c *levelCache) Put(ctx context.Context, url string, ent *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.s.put(c.name, c.epoch, url, ent)
}

func (c *levelCache) Delete(ctx context.Context, url string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.s.remove(c.name, url)
}

func (c *levelCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.s.urls(c.name)
}

func entryKey(name, url string) []byte {
	return []byte(entryPrefix + name + keySep + url)
}

func splitEntryKey(k []byte) (name, url string, ok bool) {
	rest := strings.TrimPrefix(string(k), entryPrefix)
	name, url, ok = strings.Cut(rest, keySep)
	return name, url, ok
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
