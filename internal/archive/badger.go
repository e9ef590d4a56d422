package archive

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/hydronode/telemetry-service/internal/apperrors"
)

type BadgerStore struct {
	db    *badger.DB
	codec *codec
	now   func() time.Time
}

// OpenBadger opens (or creates) an archive at dir. An empty dir opens an
// in-memory archive.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	c, err := newCodec()
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BadgerStore{db: db, codec: c, now: time.Now}, nil
}

func (s *BadgerStore) Put(ctx context.Context, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Store("archive put", err)
	}
	val := s.codec.encode(s.now(), body)
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return apperrors.ErrObjectExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set([]byte(key), val)
	})
	if errors.Is(err, badger.ErrConflict) {
		// a concurrent writer committed the same key first
		return apperrors.ErrObjectExists
	}
	return apperrors.Store("archive put", err)
}

func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Store("archive get", err)
	}
	var body []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return apperrors.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			_, b, err := s.codec.decode(val)
			if err != nil {
				return apperrors.Malformed(key, err)
			}
			body = b
			return nil
		})
	})
	if err != nil {
		return nil, apperrors.Store("archive get", err)
	}
	return body, nil
}

// List pages through keys under prefix. The token is the last key of the
// previous page, base64url encoded.
func (s *BadgerStore) List(ctx context.Context, prefix, token string, maxKeys int) (Page, error) {
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	var after []byte
	if token != "" {
		b, err := base64.RawURLEncoding.DecodeString(token)
		if err != nil {
			return Page{}, apperrors.Invalid("bad continuation token")
		}
		after = b
	}

	var page Page
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		start := []byte(prefix)
		if after != nil {
			start = after
		}
		it.Seek(start)
		if after != nil && it.ValidForPrefix(opts.Prefix) && string(it.Item().Key()) == string(after) {
			it.Next()
		}

		for ; it.ValidForPrefix(opts.Prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if len(page.Objects) == maxKeys {
				page.NextToken = base64.RawURLEncoding.EncodeToString([]byte(page.Objects[maxKeys-1].Key))
				return nil
			}
			item := it.Item()
			obj := Object{Key: string(item.KeyCopy(nil)), Size: item.ValueSize() - headerLen}
			if err := item.Value(func(val []byte) error {
				modified, err := decodeHeader(val)
				obj.LastModified = modified
				return err
			}); err != nil {
				return apperrors.Malformed(obj.Key, err)
			}
			page.Objects = append(page.Objects, obj)
		}
		return nil
	})
	if err != nil {
		return Page{}, apperrors.Store("archive list", err)
	}
	return page, nil
}

func (s *BadgerStore) Close() error {
	s.codec.close()
	return s.db.Close()
}
