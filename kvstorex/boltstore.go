package kvstorex

import (
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/couchbase/kvcollectionsx/collectionsx"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

var (
	defaultTimeout = 1 * time.Second
)

const (
	// fileMode sets permissions so owner can read and write
	fileMode = 0600
)

var (
	itemsBucket = []byte("items")
	localBucket = []byte("local")
)

type BoltStoreOptions struct {
	Logger  *zap.Logger
	Path    string
	Timeout time.Duration
}

// BoltStore is a KVStore backed by a bolt database. Each vbucket is a
// top-level bolt bucket holding an items bucket and a local documents
// bucket, so a flush batch commits in one bolt transaction.
type BoltStore struct {
	logger *zap.Logger
	db     *bolt.DB
	path   string
}

var _ KVStore = (*BoltStore)(nil)

func OpenBoltStore(opts BoltStoreOptions) (*BoltStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	db, err := bolt.Open(opts.Path, fileMode, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open bolt store at %s", opts.Path)
	}

	logger.Debug("opened bolt store", zap.String("path", opts.Path))

	return &BoltStore{
		logger: logger,
		db:     db,
		path:   opts.Path,
	}, nil
}

// Path returns the file the store was opened from.
func (s *BoltStore) Path() string {
	return s.path
}

func vbucketName(vbid uint16) []byte {
	return []byte(fmt.Sprintf("vb:%d", vbid))
}

func parseVbucketName(name []byte) (uint16, bool) {
	var vbid uint16
	if _, err := fmt.Sscanf(string(name), "vb:%d", &vbid); err != nil {
		return 0, false
	}
	return vbid, true
}

func (s *BoltStore) vbucketBuckets(tx *bolt.Tx, vbid uint16) (*bolt.Bucket, *bolt.Bucket) {
	vb := tx.Bucket(vbucketName(vbid))
	if vb == nil {
		return nil, nil
	}
	return vb.Bucket(itemsBucket), vb.Bucket(localBucket)
}

func (s *BoltStore) GetCollectionsManifest(vbid uint16) ([]byte, error) {
	data, err := s.GetLocalDoc(vbid, LocalDocManifest)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (s *BoltStore) GetLocalDoc(vbid uint16, name string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		_, local := s.vbucketBuckets(tx, vbid)
		if local == nil {
			return errors.Wrapf(ErrNotFound, "local doc %s", name)
		}
		data := local.Get([]byte(name))
		if data == nil {
			return errors.Wrapf(ErrNotFound, "local doc %s", name)
		}
		// bolt memory is only valid within the transaction
		out = slices.Clone(data)
		return nil
	})
	return out, err
}

func (s *BoltStore) Get(vbid uint16, key collectionsx.DocKey) (*collectionsx.Item, error) {
	var item *collectionsx.Item
	err := s.db.View(func(tx *bolt.Tx) error {
		items, _ := s.vbucketBuckets(tx, vbid)
		if items == nil {
			return errors.Wrapf(ErrNotFound, "key %s", key)
		}
		data := items.Get(key)
		if data == nil {
			return errors.Wrapf(ErrNotFound, "key %s", key)
		}

		var err error
		item, err = decodeItem(key, data)
		return err
	})
	return item, err
}

func (s *BoltStore) Scan(vbid uint16, fn func(item *collectionsx.Item) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		items, _ := s.vbucketBuckets(tx, vbid)
		if items == nil {
			return nil
		}
		return items.ForEach(func(k, v []byte) error {
			item, err := decodeItem(k, v)
			if err != nil {
				return errors.Wrapf(err, "failed to decode item %x", k)
			}
			return fn(item)
		})
	})
}

func (s *BoltStore) Commit(vbid uint16, batch *FlushBatch) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		vb, err := tx.CreateBucketIfNotExists(vbucketName(vbid))
		if err != nil {
			return errors.Wrap(err, "failed to create vbucket bucket")
		}
		items, err := vb.CreateBucketIfNotExists(itemsBucket)
		if err != nil {
			return errors.Wrap(err, "failed to create items bucket")
		}
		local, err := vb.CreateBucketIfNotExists(localBucket)
		if err != nil {
			return errors.Wrap(err, "failed to create local bucket")
		}

		for _, item := range batch.Items {
			if err := items.Put(item.Key, encodeItem(item)); err != nil {
				return errors.Wrapf(err, "failed to write %s", item.Key)
			}
		}

		for name, value := range batch.LocalDocs {
			if value == nil {
				if err := local.Delete([]byte(name)); err != nil {
					return errors.Wrapf(err, "failed to delete local doc %s", name)
				}
				continue
			}
			if err := local.Put([]byte(name), value); err != nil {
				return errors.Wrapf(err, "failed to write local doc %s", name)
			}
		}

		return nil
	})
	if err != nil {
		s.logger.Warn("bolt commit failed", zap.Uint16("vbid", vbid), zap.Error(err))
	}
	return err
}

func (s *BoltStore) EraseWhere(vbid uint16, pred func(item *collectionsx.Item) bool) (int, error) {
	erased := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		items, _ := s.vbucketBuckets(tx, vbid)
		if items == nil {
			return nil
		}

		// keys are collected first as bolt forbids mutation during ForEach
		var doomed [][]byte
		err := items.ForEach(func(k, v []byte) error {
			item, err := decodeItem(k, v)
			if err != nil {
				return errors.Wrapf(err, "failed to decode item %x", k)
			}
			if pred(item) {
				doomed = append(doomed, slices.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range doomed {
			if err := items.Delete(k); err != nil {
				return errors.Wrapf(err, "failed to erase %x", k)
			}
		}
		erased = len(doomed)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return erased, nil
}

func (s *BoltStore) ListVbuckets() ([]uint16, error) {
	var vbids []uint16
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if vbid, ok := parseVbucketName(name); ok {
				vbids = append(vbids, vbid)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(vbids)
	return vbids, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
