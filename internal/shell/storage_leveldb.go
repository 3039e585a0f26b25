package shell

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// On-disk layout:
//
//	n:<bucket>            -> gob(bucketMeta)
//	e:<bucket>\x00<key>   -> gob(Response)
const (
	namePrefix  = "n:"
	entryPrefix = "e:"
)

type bucketMeta struct {
	Seq       int64
	CreatedAt int64
}

type levelDBStorage struct {
	db *leveldb.DB

	// mu serializes bucket creation/deletion against entry writes so a
	// write never resurrects a deleted bucket.
	mu      sync.Mutex
	nextSeq int64
}

// NewLevelDBStorage opens (or creates) a goleveldb-backed CacheStorage at path.
func NewLevelDBStorage(path string) (CacheStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	s := &levelDBStorage{db: db}
	metas, err := s.loadMetas()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, m := range metas {
		if m.meta.Seq >= s.nextSeq {
			s.nextSeq = m.meta.Seq + 1
		}
	}
	return s, nil
}

type namedMeta struct {
	name string
	meta bucketMeta
}

func (s *levelDBStorage) loadMetas() ([]namedMeta, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(namePrefix)), nil)
	defer it.Release()

	var out []namedMeta
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(namePrefix)))
		var meta bucketMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		out = append(out, namedMeta{name: name, meta: meta})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].meta.Seq < out[j].meta.Seq })
	return out, nil
}

func (s *levelDBStorage) Open(_ context.Context, name string) (Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nk := []byte(namePrefix + name)
	ok, err := s.db.Has(nk, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		b, err := encodeGob(bucketMeta{Seq: s.nextSeq, CreatedAt: time.Now().Unix()})
		if err != nil {
			return nil, err
		}
		if err := s.db.Put(nk, b, nil); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", name, err)
		}
		s.nextSeq++
	}
	return &levelDBBucket{s: s, name: name}, nil
}

func (s *levelDBStorage) Has(_ context.Context, name string) (bool, error) {
	return s.db.Has([]byte(namePrefix+name), nil)
}

func (s *levelDBStorage) Keys(_ context.Context) ([]string, error) {
	metas, err := s.loadMetas()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(metas))
	for _, m := range metas {
		out = append(out, m.name)
	}
	return out, nil
}

func (s *levelDBStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nk := []byte(namePrefix + name)
	ok, err := s.db.Has(nk, nil)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(nk)
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete bucket %q: %w", name, err)
	}
	return true, nil
}

func (s *levelDBStorage) Close() error { return s.db.Close() }

func entryKeyPrefix(bucket string) []byte {
	return []byte(entryPrefix + bucket + "\x00")
}

type levelDBBucket struct {
	s    *levelDBStorage
	name string
}

func (b *levelDBBucket) Name() string { return b.name }

func (b *levelDBBucket) entryKey(key string) []byte {
	return append(entryKeyPrefix(b.name), key...)
}

func (b *levelDBBucket) Match(_ context.Context, key string) (*Response, bool, error) {
	v, err := b.s.db.Get(b.entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var resp Response
	if err := decodeGob(v, &resp); err != nil {
		return nil, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return &resp, true, nil
}

func (b *levelDBBucket) Put(ctx context.Context, key string, resp *Response) error {
	return b.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

func (b *levelDBBucket) PutAll(_ context.Context, entries []Entry) error {
	now := time.Now().Unix()
	batch := new(leveldb.Batch)
	for _, e := range entries {
		c := e.Response.Clone()
		c.StoredAt = now
		v, err := encodeGob(c)
		if err != nil {
			return fmt.Errorf("encode %q: %w", e.Key, err)
		}
		batch.Put(b.entryKey(e.Key), v)
	}

	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	ok, err := b.s.db.Has([]byte(namePrefix+b.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, b.name)
	}
	return b.s.db.Write(batch, nil)
}

func (b *levelDBBucket) Delete(_ context.Context, key string) (bool, error) {
	k := b.entryKey(key)
	ok, err := b.s.db.Has(k, nil)
	if err != nil || !ok {
		return false, err
	}
	if err := b.s.db.Delete(k, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (b *levelDBBucket) Keys(_ context.Context) ([]string, error) {
	prefix := entryKeyPrefix(b.name)
	it := b.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return out, it.Error()
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
