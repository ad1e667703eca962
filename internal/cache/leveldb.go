package cache

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var entryPrefix = []byte("e:")

// LevelDBBackend keeps records in a local leveldb database.
type LevelDBBackend struct {
	db *leveldb.DB
}

func OpenLevelDB(path string) (*LevelDBBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBBackend{db: db}, nil
}

func entryKey(key string) []byte {
	return append(append([]byte(nil), entryPrefix...), key...)
}

func (b *LevelDBBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, err := b.db.Get(entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (b *LevelDBBackend) Put(_ context.Context, key string, value []byte, _ time.Time) error {
	return b.db.Put(entryKey(key), value, nil)
}

func (b *LevelDBBackend) Delete(_ context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for _, k := range keys {
		batch.Delete(entryKey(k))
	}
	return b.db.Write(batch, nil)
}

func (b *LevelDBBackend) Scan(ctx context.Context, fn func(key string, value []byte) error) error {
	it := b.db.NewIterator(util.BytesPrefix(entryPrefix), nil)
	defer it.Release()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := string(bytes.TrimPrefix(it.Key(), entryPrefix))
		// the iterator reuses its buffers
		value := append([]byte(nil), it.Value()...)
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return it.Error()
}

func (b *LevelDBBackend) ScanKeys(ctx context.Context, fn func(key string) error) error {
	it := b.db.NewIterator(util.BytesPrefix(entryPrefix), nil)
	defer it.Release()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(string(bytes.TrimPrefix(it.Key(), entryPrefix))); err != nil {
			return err
		}
	}
	return it.Error()
}

func (b *LevelDBBackend) Close() error {
	return b.db.Close()
}
