package repository

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"fashion-similarity/internal/embedding"
)

var embeddingPrefix = []byte("emb/")

type badgerRecord struct {
	Vector     []float32 `msgpack:"v"`
	RowID      int64     `msgpack:"r"`
	IndexDirty bool      `msgpack:"d"`
	ImageURL   string    `msgpack:"u,omitempty"`
	CreatedAt  time.Time `msgpack:"c"`
	UpdatedAt  time.Time `msgpack:"m"`
}

// BadgerEmbeddingRepository is an embedded single-node embedding store.
// Keys are big-endian product IDs so iteration is in ascending order.
type BadgerEmbeddingRepository struct {
	db  *badgerdb.DB
	dim int
	now func() time.Time
}

func NewBadgerEmbeddingRepository(db *badgerdb.DB, dim int) *BadgerEmbeddingRepository {
	return &BadgerEmbeddingRepository{db: db, dim: dim, now: time.Now}
}

func embeddingKey(productID int64) []byte {
	k := make([]byte, len(embeddingPrefix)+8)
	copy(k, embeddingPrefix)
	binary.BigEndian.PutUint64(k[len(embeddingPrefix):], uint64(productID))
	return k
}

func productFromKey(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k[len(embeddingPrefix):]))
}

func readRecord(txn *badgerdb.Txn, productID int64) (*badgerRecord, error) {
	item, err := txn.Get(embeddingKey(productID))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: product %d", embedding.ErrNotFound, productID)
	}
	if err != nil {
		return nil, err
	}
	var rec badgerRecord
	err = item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("decode embedding of product %d: %w", productID, err)
	}
	return &rec, nil
}

func writeRecord(txn *badgerdb.Txn, productID int64, rec *badgerRecord) error {
	val, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode embedding of product %d: %w", productID, err)
	}
	return txn.Set(embeddingKey(productID), val)
}

func (b *badgerRecord) toRecord(productID int64) *embedding.Record {
	return &embedding.Record{
		ProductID:  productID,
		Vector:     b.Vector,
		Dim:        len(b.Vector),
		RowID:      b.RowID,
		IndexDirty: b.IndexDirty,
		ImageURL:   b.ImageURL,
		CreatedAt:  b.CreatedAt,
		UpdatedAt:  b.UpdatedAt,
	}
}

func (r *BadgerEmbeddingRepository) Get(_ context.Context, productID int64) (*embedding.Record, error) {
	var out *embedding.Record
	err := r.db.View(func(txn *badgerdb.Txn) error {
		rec, err := readRecord(txn, productID)
		if err != nil {
			return err
		}
		out = rec.toRecord(productID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *BadgerEmbeddingRepository) Put(_ context.Context, rec *embedding.Record) error {
	if err := embedding.CheckDim(rec.Vector, r.dim); err != nil {
		return err
	}
	now := r.now().UTC()
	stored := &badgerRecord{
		Vector:     rec.Vector,
		RowID:      rec.RowID,
		IndexDirty: rec.IndexDirty,
		ImageURL:   rec.ImageURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := r.db.Update(func(txn *badgerdb.Txn) error {
		prev, err := readRecord(txn, rec.ProductID)
		switch {
		case err == nil:
			stored.CreatedAt = prev.CreatedAt
		case !errors.Is(err, embedding.ErrNotFound):
			return err
		}
		return writeRecord(txn, rec.ProductID, stored)
	})
	if err != nil {
		return fmt.Errorf("put embedding failed: %w", err)
	}
	rec.Dim = len(rec.Vector)
	rec.CreatedAt = stored.CreatedAt
	rec.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *BadgerEmbeddingRepository) Delete(_ context.Context, productID int64) error {
	return r.db.Update(func(txn *badgerdb.Txn) error {
		key := embeddingKey(productID)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return fmt.Errorf("%w: product %d", embedding.ErrNotFound, productID)
			}
			return err
		}
		return txn.Delete(key)
	})
}

// each visits every record in key order; withValues=false skips decoding.
func (r *BadgerEmbeddingRepository) each(ctx context.Context, withValues bool, fn func(id int64, rec *badgerRecord) error) error {
	return r.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = embeddingPrefix
		opts.PrefetchValues = withValues
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(embeddingPrefix); it.ValidForPrefix(embeddingPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			id := productFromKey(item.Key())
			if !withValues {
				if err := fn(id, nil); err != nil {
					return err
				}
				continue
			}
			var rec badgerRecord
			if err := item.Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode embedding of product %d: %w", id, err)
			}
			if err := fn(id, &rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *BadgerEmbeddingRepository) ListIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := r.each(ctx, false, func(id int64, _ *badgerRecord) error {
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list embedding ids failed: %w", err)
	}
	return ids, nil
}

func (r *BadgerEmbeddingRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.each(ctx, false, func(int64, *badgerRecord) error {
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count embeddings failed: %w", err)
	}
	return n, nil
}

func (r *BadgerEmbeddingRepository) MarkDirty(_ context.Context, productID int64, dirty bool) error {
	return r.db.Update(func(txn *badgerdb.Txn) error {
		rec, err := readRecord(txn, productID)
		if err != nil {
			return err
		}
		rec.IndexDirty = dirty
		return writeRecord(txn, productID, rec)
	})
}

func (r *BadgerEmbeddingRepository) ListDirty(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := r.each(ctx, true, func(id int64, rec *badgerRecord) error {
		if rec.IndexDirty {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list dirty embeddings failed: %w", err)
	}
	return ids, nil
}

func (r *BadgerEmbeddingRepository) UpdateRowIDs(_ context.Context, rows map[int64]int64) error {
	if len(rows) == 0 {
		return nil
	}
	apply := func(txn *badgerdb.Txn, id, row int64) error {
		rec, err := readRecord(txn, id)
		if errors.Is(err, embedding.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rec.RowID = row
		rec.IndexDirty = false
		return writeRecord(txn, id, rec)
	}

	txn := r.db.NewTransaction(true)
	defer func() { txn.Discard() }()
	for id, row := range rows {
		err := apply(txn, id, row)
		if errors.Is(err, badgerdb.ErrTxnTooBig) {
			if err := txn.Commit(); err != nil {
				return fmt.Errorf("update embedding row ids failed: %w", err)
			}
			txn = r.db.NewTransaction(true)
			err = apply(txn, id, row)
		}
		if err != nil {
			return fmt.Errorf("update embedding row ids failed: %w", err)
		}
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("update embedding row ids failed: %w", err)
	}
	return nil
}

func (r *BadgerEmbeddingRepository) Scan(ctx context.Context, fn func(*embedding.Record) error) error {
	return r.each(ctx, true, func(id int64, rec *badgerRecord) error {
		return fn(rec.toRecord(id))
	})
}

func (r *BadgerEmbeddingRepository) Close() error {
	return r.db.Close()
}
