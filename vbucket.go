package kvcollectionsx

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/couchbase/kvcollectionsx/collectionsx"
	"github.com/couchbase/kvcollectionsx/enginex"
	"github.com/couchbase/kvcollectionsx/kvstorex"
	"github.com/couchbase/kvcollectionsx/zaputils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	defaultLockTime = 15 * time.Second
	maxLockTime     = 30 * time.Second

	// lockedCas is reported in place of the real cas of a locked document.
	lockedCas = ^uint64(0)
)

type vbucketOptions struct {
	Logger         *zap.Logger
	BucketName     string
	Vbid           uint16
	State          enginex.VbucketState
	FailoverUUID   uuid.UUID
	Manifest       *collectionsx.VBManifest
	Persisted      *collectionsx.VBManifest
	HighSeqno      uint64
	MaxCas         uint64
	Store          kvstorex.KVStore
	Oracle         collectionsx.PrivilegeOracle
	FlushBatchSize int
	Clock          func() time.Time
}

// VBucket is one partition of a bucket: its collections state, in-memory
// documents and checkpoint queue. Every document operation first resolves
// the collection of the key against the collections state and fails with
// an unknown collection error when that collection is not open.
type VBucket struct {
	logger         *zap.Logger
	bucketName     string
	vbid           uint16
	store          kvstorex.KVStore
	oracle         collectionsx.PrivilegeOracle
	clock          func() time.Time
	flushBatchSize int

	state          atomic.Uint32
	stateDirty     atomic.Bool
	failoverUUID   uuid.UUID
	manifest       *collectionsx.VBManifest
	persisted      atomic.Pointer[collectionsx.VBManifest]
	ht             *hashTable
	checkpoint     *checkpointQueue
	persistedSeqno atomic.Uint64
	maxCas         atomic.Uint64

	// flushLock serialises the flusher and the eraser, the two writers of
	// the store.
	flushLock sync.Mutex

	bgLock    sync.Mutex
	bgPending map[string]struct{}
}

var _ collectionsx.SystemEventQueue = (*VBucket)(nil)

func newVBucket(opts vbucketOptions) *VBucket {
	vb := &VBucket{
		logger:         vbucketLogger(opts.Logger, opts.Vbid),
		bucketName:     opts.BucketName,
		vbid:           opts.Vbid,
		store:          opts.Store,
		oracle:         opts.Oracle,
		clock:          opts.Clock,
		flushBatchSize: opts.FlushBatchSize,
		failoverUUID:   opts.FailoverUUID,
		manifest:       opts.Manifest,
		ht:             newHashTable(),
		checkpoint:     newCheckpointQueue(opts.HighSeqno),
		bgPending:      make(map[string]struct{}),
	}
	vb.state.Store(uint32(opts.State))
	vb.stateDirty.Store(true)
	vb.persisted.Store(opts.Persisted)
	vb.persistedSeqno.Store(opts.HighSeqno)
	vb.maxCas.Store(opts.MaxCas)
	return vb
}

func (vb *VBucket) Vbid() uint16 {
	return vb.vbid
}

func (vb *VBucket) State() enginex.VbucketState {
	return enginex.VbucketState(vb.state.Load())
}

func (vb *VBucket) setState(state enginex.VbucketState) {
	old := enginex.VbucketState(vb.state.Swap(uint32(state)))
	if old == state {
		return
	}

	vb.stateDirty.Store(true)
	vb.logger.Info("vbucket state changed",
		zap.Stringer("from", old),
		zap.Stringer("to", state))
}

func (vb *VBucket) FailoverUUID() uuid.UUID {
	return vb.failoverUUID
}

// Manifest returns the collections state of the vbucket.
func (vb *VBucket) Manifest() *collectionsx.VBManifest {
	return vb.manifest
}

func (vb *VBucket) HighSeqno() uint64 {
	return vb.checkpoint.HighSeqno()
}

func (vb *VBucket) PersistedSeqno() uint64 {
	return vb.persistedSeqno.Load()
}

// QueueSystemEvent puts a system event into the checkpoint queue. It is
// called by the collections state with its write lock held, which orders
// the event against every mutation of the affected collections.
func (vb *VBucket) QueueSystemEvent(item *collectionsx.Item) uint64 {
	item.Cas = vb.nextCas()
	return vb.checkpoint.Enqueue(item)
}

func (vb *VBucket) nextCas() uint64 {
	now := uint64(vb.clock().UnixNano())
	for {
		cur := vb.maxCas.Load()
		next := now
		if next <= cur {
			next = cur + 1
		}
		if vb.maxCas.CompareAndSwap(cur, next) {
			return next
		}
	}
}

func (vb *VBucket) observeCas(cas uint64) {
	for {
		cur := vb.maxCas.Load()
		if cas <= cur || vb.maxCas.CompareAndSwap(cur, cas) {
			return
		}
	}
}

// lockKey resolves the collection of key for a front-end operation. The
// returned handle must be unlocked by the caller.
func (vb *VBucket) lockKey(key collectionsx.DocKey) (*collectionsx.CachingReadHandle, error) {
	if vb.State() != enginex.VbucketStateActive {
		return nil, errors.Wrapf(enginex.ErrNotMyVbucket, "vbucket %d is %s", vb.vbid, vb.State())
	}

	h := vb.manifest.LockKey(key)
	if !h.Valid() {
		err := h.UnknownCollectionError()
		h.Unlock()
		return nil, err
	}
	return h, nil
}

func (vb *VBucket) isDirty(sv *storedValue) bool {
	return sv.item.BySeqno > vb.persistedSeqno.Load()
}

func effectiveExpiry(maxTTL *uint32, expiry uint32, now time.Time) uint32 {
	if maxTTL == nil || *maxTTL == 0 {
		return expiry
	}

	limit := uint32(now.Unix()) + *maxTTL
	if expiry == 0 || expiry > limit {
		return limit
	}
	return expiry
}

// commitLocked queues item and makes it the in-memory version of its key.
// The item must already carry its cas and rev seqno.
func (vb *VBucket) commitLocked(h *collectionsx.CachingReadHandle, existing *storedValue, item *collectionsx.Item) *storedValue {
	seqno := vb.checkpoint.Enqueue(item)
	sv := &storedValue{
		item:     item.Clone(),
		resident: true,
	}
	vb.ht.setLocked(sv)

	h.SetHighSeqno(seqno)
	h.UpdateMemUsed(sv.memSize() - existing.memSize())
	return sv
}

func (vb *VBucket) nextRevSeqno(existing *storedValue) uint64 {
	if existing == nil {
		return 1
	}
	return existing.item.RevSeqno + 1
}

func (vb *VBucket) expireLocked(h *collectionsx.CachingReadHandle, sv *storedValue) *storedValue {
	item := &collectionsx.Item{
		Key:      sv.item.Key,
		Flags:    sv.item.Flags,
		Expiry:   sv.item.Expiry,
		Cas:      vb.nextCas(),
		RevSeqno: vb.nextRevSeqno(sv),
		Deleted:  true,
		Op:       collectionsx.OperationExpiration,
	}
	return vb.commitLocked(h, sv, item)
}

// findValidLocked returns the in-memory version of key unless it belongs to
// a dropped generation of the key's collection.
func (vb *VBucket) findValidLocked(h *collectionsx.CachingReadHandle, key collectionsx.DocKey) *storedValue {
	sv := vb.ht.findLocked(key)
	if sv == nil || h.IsLogicallyDeleted(sv.item.BySeqno) {
		return nil
	}
	return sv
}

// liveLocked returns the live version of a key, expiring it first if its
// time has passed.
func (vb *VBucket) liveLocked(h *collectionsx.CachingReadHandle, sv *storedValue, now time.Time) *storedValue {
	if sv == nil || sv.item.Deleted {
		return nil
	}
	if sv.isExpired(now) {
		vb.expireLocked(h, sv)
		return nil
	}
	return sv
}

func checkCasLocked(live *storedValue, cas uint64, now time.Time) error {
	if live != nil && live.isLocked(now) && cas != live.item.Cas {
		return enginex.ErrLocked
	}
	if cas == 0 {
		return nil
	}
	if live == nil {
		return enginex.ErrKeyNotFound
	}
	if live.item.Cas != cas {
		return enginex.ErrKeyExists
	}
	return nil
}

func (vb *VBucket) bgFetchOrBlock(sv *storedValue) error {
	if sv.resident {
		return nil
	}
	vb.queueBGFetch(sv.item.Key)
	return enginex.ErrWouldBlock
}

type StoreOptions struct {
	Key      collectionsx.DocKey
	Value    []byte
	Flags    uint32
	Datatype enginex.DatatypeFlag
	Expiry   uint32
	Cas      uint64
}

type MutationResult struct {
	Cas   uint64
	Seqno uint64
}

type storeSemantics int

const (
	storeSemanticsSet storeSemantics = iota
	storeSemanticsAdd
	storeSemanticsReplace
)

func (vb *VBucket) Set(opts StoreOptions) (*MutationResult, error) {
	return vb.storeItem(opts, storeSemanticsSet)
}

func (vb *VBucket) Add(opts StoreOptions) (*MutationResult, error) {
	return vb.storeItem(opts, storeSemanticsAdd)
}

func (vb *VBucket) Replace(opts StoreOptions) (*MutationResult, error) {
	return vb.storeItem(opts, storeSemanticsReplace)
}

func (vb *VBucket) storeItem(opts StoreOptions, semantics storeSemantics) (*MutationResult, error) {
	item := &collectionsx.Item{
		Key:      append(collectionsx.DocKey(nil), opts.Key...),
		Value:    append([]byte(nil), opts.Value...),
		Datatype: opts.Datatype,
		Flags:    opts.Flags,
		Op:       collectionsx.OperationMutation,
	}
	if err := item.DecompressValue(); err != nil {
		return nil, err
	}

	h, err := vb.lockKey(opts.Key)
	if err != nil {
		return nil, err
	}
	defer h.Unlock()

	vb.ht.lock.Lock()
	defer vb.ht.lock.Unlock()

	now := vb.clock()
	existing := vb.findValidLocked(h, opts.Key)
	live := vb.liveLocked(h, existing, now)
	if live == nil {
		existing = vb.findValidLocked(h, opts.Key)
	}

	switch semantics {
	case storeSemanticsAdd:
		if live != nil {
			return nil, enginex.ErrKeyExists
		}
	case storeSemanticsReplace:
		if live == nil {
			return nil, enginex.ErrKeyNotFound
		}
	}
	if err := checkCasLocked(live, opts.Cas, now); err != nil {
		return nil, err
	}

	item.Expiry = effectiveExpiry(h.GetMaxTTL(), opts.Expiry, now)
	item.Cas = vb.nextCas()
	item.RevSeqno = vb.nextRevSeqno(existing)
	sv := vb.commitLocked(h, existing, item)

	return &MutationResult{
		Cas:   sv.item.Cas,
		Seqno: sv.item.BySeqno,
	}, nil
}

type GetResult struct {
	Value    []byte
	Flags    uint32
	Datatype enginex.DatatypeFlag
	Cas      uint64
	Expiry   uint32
}

// Get returns the document for key. When the value has been evicted a
// background fetch is scheduled and ErrWouldBlock returned, the caller
// should retry once the fetch completed.
func (vb *VBucket) Get(key collectionsx.DocKey) (*GetResult, error) {
	h, err := vb.lockKey(key)
	if err != nil {
		return nil, err
	}
	defer h.Unlock()

	vb.ht.lock.Lock()
	defer vb.ht.lock.Unlock()

	now := vb.clock()
	sv := vb.liveLocked(h, vb.findValidLocked(h, key), now)
	if sv == nil {
		return nil, enginex.ErrKeyNotFound
	}
	if err := vb.bgFetchOrBlock(sv); err != nil {
		return nil, err
	}

	cas := sv.item.Cas
	if sv.isLocked(now) {
		cas = lockedCas
	}
	return &GetResult{
		Value:    append([]byte(nil), sv.item.Value...),
		Flags:    sv.item.Flags,
		Datatype: sv.item.Datatype,
		Cas:      cas,
		Expiry:   sv.item.Expiry,
	}, nil
}

type DeleteOptions struct {
	Key collectionsx.DocKey
	Cas uint64
}

func (vb *VBucket) Delete(opts DeleteOptions) (*MutationResult, error) {
	h, err := vb.lockKey(opts.Key)
	if err != nil {
		return nil, err
	}
	defer h.Unlock()

	vb.ht.lock.Lock()
	defer vb.ht.lock.Unlock()

	now := vb.clock()
	live := vb.liveLocked(h, vb.findValidLocked(h, opts.Key), now)
	if live == nil {
		return nil, enginex.ErrKeyNotFound
	}
	if err := checkCasLocked(live, opts.Cas, now); err != nil {
		return nil, err
	}

	sv := vb.commitLocked(h, live, &collectionsx.Item{
		Key:      live.item.Key,
		Flags:    live.item.Flags,
		Cas:      vb.nextCas(),
		RevSeqno: vb.nextRevSeqno(live),
		Deleted:  true,
		Op:       collectionsx.OperationDeletion,
	})

	return &MutationResult{
		Cas:   sv.item.Cas,
		Seqno: sv.item.BySeqno,
	}, nil
}

type ArithmeticOptions struct {
	Key   collectionsx.DocKey
	Delta uint64

	// Initial is stored when the key does not exist. When nil a missing key
	// fails with ErrKeyNotFound.
	Initial *uint64
	Expiry  uint32

	Decrement bool
}

type ArithmeticResult struct {
	Value uint64
	Cas   uint64
	Seqno uint64
}

// parseCounter accepts the decimal representation of a uint64 only.
func parseCounter(value []byte) (uint64, error) {
	if len(value) == 0 || len(value) > 20 {
		return 0, enginex.ErrDeltaBadValue
	}
	for _, c := range value {
		if c < '0' || c > '9' {
			return 0, enginex.ErrDeltaBadValue
		}
	}

	v, err := strconv.ParseUint(string(value), 10, 64)
	if err != nil {
		return 0, errors.Wrap(enginex.ErrDeltaBadValue, err.Error())
	}
	return v, nil
}

// Arithmetic increments or decrements a counter document. Decrements stop
// at zero, increments wrap.
func (vb *VBucket) Arithmetic(opts ArithmeticOptions) (*ArithmeticResult, error) {
	h, err := vb.lockKey(opts.Key)
	if err != nil {
		return nil, err
	}
	defer h.Unlock()

	vb.ht.lock.Lock()
	defer vb.ht.lock.Unlock()

	now := vb.clock()
	existing := vb.findValidLocked(h, opts.Key)
	live := vb.liveLocked(h, existing, now)

	var item *collectionsx.Item
	var value uint64
	if live == nil {
		if opts.Initial == nil {
			return nil, enginex.ErrKeyNotFound
		}
		value = *opts.Initial
		item = &collectionsx.Item{
			Key:    append(collectionsx.DocKey(nil), opts.Key...),
			Expiry: effectiveExpiry(h.GetMaxTTL(), opts.Expiry, now),
		}
		existing = vb.findValidLocked(h, opts.Key)
	} else {
		if err := vb.bgFetchOrBlock(live); err != nil {
			return nil, err
		}
		if err := checkCasLocked(live, 0, now); err != nil {
			return nil, err
		}

		current, err := parseCounter(live.item.Value)
		if err != nil {
			return nil, err
		}

		switch {
		case !opts.Decrement:
			value = current + opts.Delta
		case opts.Delta > current:
			value = 0
		default:
			value = current - opts.Delta
		}

		item = &collectionsx.Item{
			Key:    live.item.Key,
			Flags:  live.item.Flags,
			Expiry: live.item.Expiry,
		}
		existing = live
	}

	item.Value = []byte(strconv.FormatUint(value, 10))
	item.Datatype = enginex.DatatypeFlagJSON
	item.Op = collectionsx.OperationMutation
	item.Cas = vb.nextCas()
	item.RevSeqno = vb.nextRevSeqno(existing)
	sv := vb.commitLocked(h, existing, item)

	return &ArithmeticResult{
		Value: value,
		Cas:   sv.item.Cas,
		Seqno: sv.item.BySeqno,
	}, nil
}

// GetLocked returns the document and locks it against mutation for
// lockTime, or the default lock time when lockTime is zero or above the
// maximum. Only the returned cas unlocks the document.
func (vb *VBucket) GetLocked(key collectionsx.DocKey, lockTime time.Duration) (*GetResult, error) {
	h, err := vb.lockKey(key)
	if err != nil {
		return nil, err
	}
	defer h.Unlock()

	vb.ht.lock.Lock()
	defer vb.ht.lock.Unlock()

	now := vb.clock()
	sv := vb.liveLocked(h, vb.findValidLocked(h, key), now)
	if sv == nil {
		return nil, enginex.ErrKeyNotFound
	}
	if err := vb.bgFetchOrBlock(sv); err != nil {
		return nil, err
	}
	if sv.isLocked(now) {
		return nil, enginex.ErrLocked
	}

	if lockTime <= 0 || lockTime > maxLockTime {
		lockTime = defaultLockTime
	}
	sv.item.Cas = vb.nextCas()
	sv.lockedUntil = now.Add(lockTime)

	return &GetResult{
		Value:    append([]byte(nil), sv.item.Value...),
		Flags:    sv.item.Flags,
		Datatype: sv.item.Datatype,
		Cas:      sv.item.Cas,
		Expiry:   sv.item.Expiry,
	}, nil
}

func (vb *VBucket) Unlock(key collectionsx.DocKey, cas uint64) error {
	h, err := vb.lockKey(key)
	if err != nil {
		return err
	}
	defer h.Unlock()

	vb.ht.lock.Lock()
	defer vb.ht.lock.Unlock()

	now := vb.clock()
	sv := vb.liveLocked(h, vb.findValidLocked(h, key), now)
	if sv == nil {
		return enginex.ErrKeyNotFound
	}
	if !sv.isLocked(now) {
		return enginex.ErrNotLocked
	}
	if sv.item.Cas != cas {
		return enginex.ErrLocked
	}

	sv.lockedUntil = time.Time{}
	return nil
}

// Touch changes the expiry of a document, which is a new mutation of it.
func (vb *VBucket) Touch(key collectionsx.DocKey, expiry uint32) (*MutationResult, error) {
	h, err := vb.lockKey(key)
	if err != nil {
		return nil, err
	}
	defer h.Unlock()

	vb.ht.lock.Lock()
	defer vb.ht.lock.Unlock()

	now := vb.clock()
	live := vb.liveLocked(h, vb.findValidLocked(h, key), now)
	if live == nil {
		return nil, enginex.ErrKeyNotFound
	}
	if err := vb.bgFetchOrBlock(live); err != nil {
		return nil, err
	}
	if err := checkCasLocked(live, 0, now); err != nil {
		return nil, err
	}

	item := live.item.Clone()
	item.Expiry = effectiveExpiry(h.GetMaxTTL(), expiry, now)
	item.Op = collectionsx.OperationMutation
	item.Cas = vb.nextCas()
	item.RevSeqno = vb.nextRevSeqno(live)
	sv := vb.commitLocked(h, live, item)

	return &MutationResult{
		Cas:   sv.item.Cas,
		Seqno: sv.item.BySeqno,
	}, nil
}

type ItemMeta struct {
	Cas      uint64
	RevSeqno uint64
	Flags    uint32
	Expiry   uint32
	Datatype enginex.DatatypeFlag
	Deleted  bool
}

// GetMeta returns the metadata of a key, deleted keys included.
func (vb *VBucket) GetMeta(key collectionsx.DocKey) (*ItemMeta, error) {
	h, err := vb.lockKey(key)
	if err != nil {
		return nil, err
	}
	defer h.Unlock()

	vb.ht.lock.Lock()
	defer vb.ht.lock.Unlock()

	sv := vb.findValidLocked(h, key)
	if sv == nil {
		return nil, enginex.ErrKeyNotFound
	}
	if sv.isExpired(vb.clock()) {
		sv = vb.expireLocked(h, sv)
	}

	return &ItemMeta{
		Cas:      sv.item.Cas,
		RevSeqno: sv.item.RevSeqno,
		Flags:    sv.item.Flags,
		Expiry:   sv.item.Expiry,
		Datatype: sv.item.Datatype,
		Deleted:  sv.item.Deleted,
	}, nil
}

// MetaOptions describe a mutation made elsewhere, such as on another
// cluster, which is applied with its original metadata.
type MetaOptions struct {
	Key      collectionsx.DocKey
	Value    []byte
	Flags    uint32
	Datatype enginex.DatatypeFlag
	Expiry   uint32
	Cas      uint64
	RevSeqno uint64
}

// winsConflict reports whether incoming metadata is ahead of the local
// version by rev seqno, then cas, then expiry, then flags.
func winsConflict(opts MetaOptions, local *collectionsx.Item) bool {
	if opts.RevSeqno != local.RevSeqno {
		return opts.RevSeqno > local.RevSeqno
	}
	if opts.Cas != local.Cas {
		return opts.Cas > local.Cas
	}
	if opts.Expiry != local.Expiry {
		return opts.Expiry > local.Expiry
	}
	return opts.Flags > local.Flags
}

func (vb *VBucket) SetWithMeta(opts MetaOptions) (*MutationResult, error) {
	return vb.withMeta(opts, false)
}

func (vb *VBucket) DeleteWithMeta(opts MetaOptions) (*MutationResult, error) {
	return vb.withMeta(opts, true)
}

func (vb *VBucket) withMeta(opts MetaOptions, deleted bool) (*MutationResult, error) {
	if opts.Cas == 0 {
		return nil, enginex.InvalidArgumentsError{Message: "with-meta operations require a cas"}
	}

	item := &collectionsx.Item{
		Key:      append(collectionsx.DocKey(nil), opts.Key...),
		Flags:    opts.Flags,
		Datatype: opts.Datatype,
		Expiry:   opts.Expiry,
		Cas:      opts.Cas,
		RevSeqno: opts.RevSeqno,
		Deleted:  deleted,
		Op:       collectionsx.OperationMutation,
	}
	if deleted {
		item.Op = collectionsx.OperationDeletion
		item.Datatype = 0
	} else {
		item.Value = append([]byte(nil), opts.Value...)
		if err := item.DecompressValue(); err != nil {
			return nil, err
		}
	}

	h, err := vb.lockKey(opts.Key)
	if err != nil {
		return nil, err
	}
	defer h.Unlock()

	vb.ht.lock.Lock()
	defer vb.ht.lock.Unlock()

	existing := vb.findValidLocked(h, opts.Key)
	if existing != nil {
		if existing.isLocked(vb.clock()) {
			return nil, enginex.ErrLocked
		}
		if !winsConflict(opts, existing.item) {
			return nil, errors.Wrap(enginex.ErrKeyExists, "lost conflict resolution")
		}
	}

	vb.observeCas(opts.Cas)
	sv := vb.commitLocked(h, existing, item)

	return &MutationResult{
		Cas:   sv.item.Cas,
		Seqno: sv.item.BySeqno,
	}, nil
}

// Evict drops the value of a persisted document from memory, keeping its
// metadata.
func (vb *VBucket) Evict(key collectionsx.DocKey) error {
	h, err := vb.lockKey(key)
	if err != nil {
		return err
	}
	defer h.Unlock()

	vb.ht.lock.Lock()
	defer vb.ht.lock.Unlock()

	sv := vb.findValidLocked(h, key)
	if sv == nil || sv.item.Deleted {
		return enginex.ErrKeyNotFound
	}
	if !sv.resident {
		return nil
	}
	if vb.isDirty(sv) {
		return errors.Wrap(enginex.ErrKeyExists, "cannot evict a dirty document")
	}

	before := sv.memSize()
	sv.item.Value = nil
	sv.resident = false
	h.UpdateMemUsed(sv.memSize() - before)

	vb.logger.Debug("evicted value",
		zaputils.DocKey("key", vb.bucketName, vb.vbid, uint32(key.CollectionID()), key.Key()))
	return nil
}

type ObserveState uint8

const (
	ObserveStateNotPersisted     = ObserveState(0x00)
	ObserveStatePersisted        = ObserveState(0x01)
	ObserveStateNotFound         = ObserveState(0x80)
	ObserveStateLogicallyDeleted = ObserveState(0x81)
)

type ObserveResult struct {
	State ObserveState
	Cas   uint64
}

func (vb *VBucket) Observe(key collectionsx.DocKey) (*ObserveResult, error) {
	h, err := vb.lockKey(key)
	if err != nil {
		return nil, err
	}
	defer h.Unlock()

	vb.ht.lock.Lock()
	defer vb.ht.lock.Unlock()

	sv := vb.findValidLocked(h, key)
	if sv == nil {
		return &ObserveResult{State: ObserveStateNotFound}, nil
	}

	dirty := vb.isDirty(sv)
	switch {
	case sv.item.Deleted && dirty:
		return &ObserveResult{State: ObserveStateLogicallyDeleted, Cas: sv.item.Cas}, nil
	case sv.item.Deleted:
		return &ObserveResult{State: ObserveStateNotFound, Cas: sv.item.Cas}, nil
	case dirty:
		return &ObserveResult{State: ObserveStateNotPersisted, Cas: sv.item.Cas}, nil
	}
	return &ObserveResult{State: ObserveStatePersisted, Cas: sv.item.Cas}, nil
}

type KeyStats struct {
	Dirty        bool
	Resident     bool
	Locked       bool
	Cas          uint64
	Flags        uint32
	Expiry       uint32
	Seqno        uint64
	VbucketState enginex.VbucketState
}

func (vb *VBucket) GetKeyStats(key collectionsx.DocKey) (*KeyStats, error) {
	h, err := vb.lockKey(key)
	if err != nil {
		return nil, err
	}
	defer h.Unlock()

	vb.ht.lock.Lock()
	defer vb.ht.lock.Unlock()

	sv := vb.findValidLocked(h, key)
	if sv == nil || sv.item.Deleted {
		return nil, enginex.ErrKeyNotFound
	}

	return &KeyStats{
		Dirty:        vb.isDirty(sv),
		Resident:     sv.resident,
		Locked:       sv.isLocked(vb.clock()),
		Cas:          sv.item.Cas,
		Flags:        sv.item.Flags,
		Expiry:       sv.item.Expiry,
		Seqno:        sv.item.BySeqno,
		VbucketState: vb.State(),
	}, nil
}

// AddStats reports the state of the vbucket and of its collections.
func (vb *VBucket) AddStats(addStat func(key, value string)) {
	prefix := fmt.Sprintf("vb_%d:", vb.vbid)
	addStat(prefix+"state", vb.State().String())
	addStat(prefix+"failover_uuid", vb.failoverUUID.String())
	addStat(prefix+"high_seqno", strconv.FormatUint(vb.HighSeqno(), 10))
	addStat(prefix+"persisted_seqno", strconv.FormatUint(vb.PersistedSeqno(), 10))
	addStat(prefix+"ht_items", strconv.Itoa(vb.ht.Len()))
	addStat(prefix+"checkpoint_items", strconv.Itoa(vb.checkpoint.NumItems()))
	addStat(prefix+"checkpoint_cursors", strconv.Itoa(vb.checkpoint.NumCursors()))

	rh := vb.manifest.Lock()
	defer rh.Unlock()
	rh.AddStats(vb.vbid, addStat)
}
