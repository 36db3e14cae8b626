package bolt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/repos/rawstore"
)

var (
	bucketLists = []byte("lists")
	bucketMeta  = []byte("meta")
	bucketInfo  = []byte("info")

	keyFormat       = []byte("format")
	keyVersion      = []byte("version")
	keyFetched      = []byte("fetched")
	keyETag         = []byte("etag")
	keyLastModified = []byte("last_modified")
	keyUpdated      = []byte("updated")
)

// boltStore implements rawstore.Store using bbolt. List bodies live in the
// lists bucket keyed by source id; each source has a nested bucket under
// meta holding its format, version and fetch validators.
type boltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// New opens (or creates) a Bolt database at path and ensures buckets exist.
func New(path string) (rawstore.Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLists); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketInfo); err != nil {
			return err
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltStore{db: db, now: time.Now}, nil
}

func (s *boltStore) Close() error { return s.db.Close() }

func (s *boltStore) Put(rec rawstore.Record) error {
	if rec.SourceID == "" {
		return errors.New("rawstore: empty source id")
	}
	id := []byte(rec.SourceID)
	return s.db.Update(func(tx *bbolt.Tx) error {
		body := rec.Body
		if body == nil {
			body = []byte{}
		}
		if err := tx.Bucket(bucketLists).Put(id, body); err != nil {
			return err
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Bucket(id) != nil {
			if err := meta.DeleteBucket(id); err != nil {
				return err
			}
		}
		m, err := meta.CreateBucket(id)
		if err != nil {
			return err
		}
		if err := m.Put(keyFormat, []byte(rec.Format.String())); err != nil {
			return err
		}
		if err := m.Put(keyVersion, []byte(rec.Version)); err != nil {
			return err
		}
		var fetched uint64
		if !rec.FetchedAt.IsZero() {
			fetched = uint64(rec.FetchedAt.UnixNano())
		}
		if err := m.Put(keyFetched, u64(fetched)); err != nil {
			return err
		}
		if err := m.Put(keyETag, []byte(rec.ETag)); err != nil {
			return err
		}
		if err := m.Put(keyLastModified, []byte(rec.LastModified)); err != nil {
			return err
		}
		return tx.Bucket(bucketInfo).Put(keyUpdated, u64(uint64(s.now().Unix())))
	})
}

func (s *boltStore) Get(sourceID string) (rawstore.Record, bool, error) {
	var (
		rec   rawstore.Record
		found bool
	)
	id := []byte(sourceID)
	err := s.db.View(func(tx *bbolt.Tx) error {
		m := tx.Bucket(bucketMeta).Bucket(id)
		if m == nil {
			return nil
		}
		body := tx.Bucket(bucketLists).Get(id)
		format, err := domain.ParseFormatHint(string(m.Get(keyFormat)))
		if err != nil {
			return fmt.Errorf("rawstore: source %q: %w", sourceID, err)
		}
		rec = rawstore.Record{
			SourceID:     sourceID,
			Format:       format,
			Version:      string(m.Get(keyVersion)),
			ETag:         string(m.Get(keyETag)),
			LastModified: string(m.Get(keyLastModified)),
			Body:         append([]byte(nil), body...),
		}
		if v := m.Get(keyFetched); len(v) == 8 {
			if ns := int64(binary.BigEndian.Uint64(v)); ns != 0 {
				rec.FetchedAt = time.Unix(0, ns)
			}
		}
		found = true
		return nil
	})
	if err != nil {
		return rawstore.Record{}, false, err
	}
	return rec, found, nil
}

func (s *boltStore) Delete(sourceID string) error {
	id := []byte(sourceID)
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketLists).Delete(id); err != nil {
			return err
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Bucket(id) == nil {
			return nil
		}
		if err := meta.DeleteBucket(id); err != nil {
			return err
		}
		return tx.Bucket(bucketInfo).Put(keyUpdated, u64(uint64(s.now().Unix())))
	})
}

func (s *boltStore) List() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			if v == nil {
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	sort.Strings(ids)
	return ids, err
}

func (s *boltStore) Stats() rawstore.Stats {
	st := rawstore.Stats{}
	_ = s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucketLists); b != nil {
			_ = b.ForEach(func(_, v []byte) error {
				st.Sources++
				st.Bytes += uint64(len(v))
				return nil
			})
		}
		if b := tx.Bucket(bucketInfo); b != nil {
			if v := b.Get(keyUpdated); len(v) == 8 {
				st.UpdatedUnix = int64(binary.BigEndian.Uint64(v))
			}
		}
		return nil
	})
	return st
}

func u64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

var _ rawstore.Store = (*boltStore)(nil)
