package offcache

import (
	"bytes"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout inside leveldb:
//
//	g:<generation>            gob(genMeta)
//	e:<generation>\x00<key>   zstd(gob(Entry))
//	s:active                  name of the active generation
const (
	genPrefix   = "g:"
	entryPrefix = "e:"
	activeKey   = "s:active"
	keySep      = "\x00"
)

var (
	ErrUnknownGeneration = errors.New("unknown cache generation")
	ErrGenerationExists  = errors.New("cache generation already exists")
	ErrClosed            = errors.New("storage is closed")
)

type genMeta struct {
	Name        string
	CreatedAt   int64 // unix nanoseconds
	OfflinePage string
	URLs        []string
}

type storeOp struct {
	gen   string
	key   string
	ent   Entry
	flush chan struct{}
}

// Storage holds every cache generation in one leveldb database, fronted by a
// RAM LRU. Reads are concurrent; entry writes funnel through wmu so they
// cannot interleave with generation deletion.
type Storage struct {
	db  *leveldb.DB
	ram *ramCache

	mu     sync.Mutex
	gens   map[string]genMeta
	keys   map[string]map[string]struct{}
	active string

	wmu sync.Mutex

	opsMu   sync.RWMutex
	closed  bool
	ops     chan storeOp
	done    chan struct{}
	dropLog *rateLimitedLogger
}

// OpenStorage opens (or creates) the store at dir. An empty dir keeps the
// whole database in memory.
func OpenStorage(dir string, ramMax int64) (*Storage, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if dir == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(dir, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb %q", dir)
	}

	s := &Storage{
		db:      db,
		ram:     newRAMCache(ramMax, newRateLimitedLogger(time.Minute, log.InfoLevel)),
		gens:    map[string]genMeta{},
		keys:    map[string]map[string]struct{}{},
		ops:     make(chan storeOp, 1024),
		done:    make(chan struct{}),
		dropLog: newRateLimitedLogger(time.Minute, log.WarnLevel),
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go s.writerLoop()
	return s, nil
}

func (s *Storage) Close() {
	s.opsMu.Lock()
	if s.closed {
		s.opsMu.Unlock()
		return
	}
	s.closed = true
	close(s.ops)
	s.opsMu.Unlock()

	<-s.done
	_ = s.db.Close()
}

func (s *Storage) loadIndex() error {
	gens := map[string]genMeta{}
	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	for it.Next() {
		var meta genMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			log.WithField("key", string(it.Key())).Warnf("skipping unreadable generation meta: %v", err)
			continue
		}
		gens[meta.Name] = meta
	}
	it.Release()
	if err := it.Error(); err != nil {
		return errors.Wrap(err, "scan generations")
	}

	keys := map[string]map[string]struct{}{}
	it = s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	for it.Next() {
		gen, key, ok := splitEntryKey(it.Key())
		if !ok {
			continue
		}
		if keys[gen] == nil {
			keys[gen] = map[string]struct{}{}
		}
		keys[gen][key] = struct{}{}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return errors.Wrap(err, "scan entries")
	}

	active, err := s.db.Get([]byte(activeKey), nil)
	if err != nil && !errors.Is(err, leveldb.ErrNotFound) {
		return errors.Wrap(err, "read active generation")
	}

	s.mu.Lock()
	s.gens = gens
	s.keys = keys
	s.active = string(active)
	s.mu.Unlock()
	return nil
}

func entryKey(gen, key string) []byte {
	return []byte(entryPrefix + gen + keySep + key)
}

func splitEntryKey(k []byte) (gen, key string, ok bool) {
	rest := bytes.TrimPrefix(k, []byte(entryPrefix))
	i := bytes.Index(rest, []byte(keySep))
	if i < 0 {
		return "", "", false
	}
	return string(rest[:i]), string(rest[i+1:]), true
}

// Names lists generations oldest first.
func (s *Storage) Names() []string {
	s.mu.Lock()
	metas := make([]genMeta, 0, len(s.gens))
	for _, m := range s.gens {
		metas = append(metas, m)
	}
	s.mu.Unlock()

	sort.Slice(metas, func(i, j int) bool {
		if metas[i].CreatedAt != metas[j].CreatedAt {
			return metas[i].CreatedAt < metas[j].CreatedAt
		}
		return metas[i].Name < metas[j].Name
	})
	out := make([]string, len(metas))
	for i, m := range metas {
		out[i] = m.Name
	}
	return out
}

func (s *Storage) meta(name string) (genMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.gens[name]
	return m, ok
}

func (s *Storage) Has(name string) bool {
	_, ok := s.meta(name)
	return ok
}

// Generation returns a handle to an existing generation.
func (s *Storage) Generation(name string) (*Generation, error) {
	m, ok := s.meta(name)
	if !ok {
		return nil, errors.Wrap(ErrUnknownGeneration, name)
	}
	return &Generation{name: name, offlinePage: m.OfflinePage, st: s}, nil
}

func (s *Storage) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Storage) SetActive(name string) error {
	if !s.Has(name) {
		return errors.Wrap(ErrUnknownGeneration, name)
	}
	if err := s.db.Put([]byte(activeKey), []byte(name), nil); err != nil {
		return errors.Wrap(err, "store active generation")
	}
	s.mu.Lock()
	s.active = name
	s.mu.Unlock()
	return nil
}

// create writes a whole generation, meta and entries, in one batch. Either
// all of it lands or none of it does.
func (s *Storage) create(meta genMeta, entries map[string]Entry) (*Generation, error) {
	if meta.Name == "" || strings.Contains(meta.Name, keySep) {
		return nil, errors.Errorf("invalid generation name %q", meta.Name)
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.Has(meta.Name) {
		return nil, errors.Wrap(ErrGenerationExists, meta.Name)
	}

	batch := new(leveldb.Batch)
	mb, err := encodeGob(meta)
	if err != nil {
		return nil, err
	}
	batch.Put([]byte(genPrefix+meta.Name), mb)

	keys := make(map[string]struct{}, len(entries))
	for key, ent := range entries {
		b, err := encodeEntry(ent)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s", key)
		}
		batch.Put(entryKey(meta.Name, key), b)
		keys[key] = struct{}{}
	}
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return nil, errors.Wrapf(err, "write generation %s", meta.Name)
	}

	s.mu.Lock()
	s.gens[meta.Name] = meta
	s.keys[meta.Name] = keys
	s.mu.Unlock()

	return &Generation{name: meta.Name, offlinePage: meta.OfflinePage, st: s}, nil
}

// Delete removes a generation and all its entries. It reports whether the
// generation existed.
func (s *Storage) Delete(name string) (bool, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if !s.Has(name) {
		return false, nil
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+keySep)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, errors.Wrapf(err, "scan generation %s", name)
	}
	batch.Delete([]byte(genPrefix + name))
	if s.Active() == name {
		batch.Delete([]byte(activeKey))
	}
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return false, errors.Wrapf(err, "delete generation %s", name)
	}

	s.mu.Lock()
	delete(s.gens, name)
	delete(s.keys, name)
	if s.active == name {
		s.active = ""
	}
	s.ram.DropGeneration(name)
	s.mu.Unlock()
	return true, nil
}

func (s *Storage) match(gen, key string) (Entry, bool) {
	if ent, ok := s.ram.Get(gen, key); ok {
		return ent, true
	}
	meta, ok := s.meta(gen)
	if !ok {
		return Entry{}, false
	}
	b, err := s.db.Get(entryKey(gen, key), nil)
	if err != nil {
		return Entry{}, false
	}
	ent, err := decodeEntry(b)
	if err != nil {
		log.WithFields(log.Fields{"generation": gen, "key": key}).Warnf("unreadable entry treated as miss: %v", err)
		return Entry{}, false
	}
	s.promote(gen, meta.CreatedAt, key, ent)
	return ent, true
}

// promote mirrors a disk read into RAM, unless the generation read from was
// deleted (or deleted and recreated) in the meantime. Delete drops RAM items
// under s.mu, so checking under the same lock closes the gap.
func (s *Storage) promote(gen string, createdAt int64, key string, ent Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.gens[gen]; !ok || cur.CreatedAt != createdAt {
		return false
	}
	s.ram.Put(gen, key, ent)
	return true
}

func (s *Storage) put(gen, key string, ent Entry) error {
	b, err := encodeEntry(ent)
	if err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	if !s.Has(gen) {
		return errors.Wrap(ErrUnknownGeneration, gen)
	}
	if err := s.db.Put(entryKey(gen, key), b, nil); err != nil {
		return errors.Wrapf(err, "put %s", key)
	}

	s.mu.Lock()
	if s.keys[gen] == nil {
		s.keys[gen] = map[string]struct{}{}
	}
	s.keys[gen][key] = struct{}{}
	s.mu.Unlock()

	s.ram.Put(gen, key, ent)
	return nil
}

// putAsync queues a write for the writer goroutine. It never blocks: when
// the queue is full the write is dropped.
func (s *Storage) putAsync(gen, key string, ent Entry) bool {
	s.opsMu.RLock()
	defer s.opsMu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ops <- storeOp{gen: gen, key: key, ent: ent}:
		return true
	default:
		s.dropLog.Printf("store queue full, dropped %s %s", gen, key)
		return false
	}
}

// Flush waits until every write queued before the call has been applied.
func (s *Storage) Flush() {
	s.opsMu.RLock()
	if s.closed {
		s.opsMu.RUnlock()
		return
	}
	done := make(chan struct{})
	s.ops <- storeOp{flush: done}
	s.opsMu.RUnlock()
	<-done
}

func (s *Storage) writerLoop() {
	defer close(s.done)
	for op := range s.ops {
		if op.flush != nil {
			close(op.flush)
			continue
		}
		if err := s.put(op.gen, op.key, op.ent); err != nil {
			s.dropLog.Printf("async store of %s in %s failed: %v", op.key, op.gen, err)
		}
	}
}

func (s *Storage) keysOf(gen string) []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.keys[gen]))
	for k := range s.keys[gen] {
		out = append(out, k)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

func (s *Storage) lenOf(gen string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys[gen])
}

// KeyCount is the number of entries across all generations.
func (s *Storage) KeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ks := range s.keys {
		n += len(ks)
	}
	return n
}

func (s *Storage) RAMSize() int64 { return s.ram.TotalSize() }
