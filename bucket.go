package kvcollectionsx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/couchbase/kvcollectionsx/collectionsx"
	"github.com/couchbase/kvcollectionsx/enginex"
	"github.com/couchbase/kvcollectionsx/kvstorex"
	"github.com/couchbase/kvcollectionsx/zaputils"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

const (
	defaultNumVbuckets    = 1024
	defaultFlushBatchSize = 1000
)

type BucketOptions struct {
	Logger     *zap.Logger
	BucketName string

	// NumVbuckets defaults to 1024.
	NumVbuckets uint16

	Store           kvstorex.KVStore
	PrivilegeOracle collectionsx.PrivilegeOracle

	// FlushBatchSize is the most items a single flush of a vbucket persists.
	FlushBatchSize int

	// Clock defaults to time.Now. Expiry times are in unix seconds of this
	// clock.
	Clock func() time.Time
}

// Bucket owns the vbuckets of one bucket and the bucket-wide collections
// manifest. Manifest changes are validated once here and then applied to
// every active vbucket.
type Bucket struct {
	logger         *zap.Logger
	name           string
	vbMap          *VbucketMap
	store          kvstorex.KVStore
	oracle         collectionsx.PrivilegeOracle
	flushBatchSize int
	clock          func() time.Time

	manager *collectionsx.Manager

	lock     sync.RWMutex
	vbuckets map[uint16]*VBucket
}

func NewBucket(opts BucketOptions) (*Bucket, error) {
	if opts.Store == nil {
		return nil, enginex.InvalidArgumentsError{Message: "bucket requires a store"}
	}
	if opts.PrivilegeOracle == nil {
		return nil, enginex.InvalidArgumentsError{Message: "bucket requires a privilege oracle"}
	}

	numVbuckets := opts.NumVbuckets
	if numVbuckets == 0 {
		numVbuckets = defaultNumVbuckets
	}
	vbMap, err := NewVbucketMap(numVbuckets)
	if err != nil {
		return nil, err
	}

	flushBatchSize := opts.FlushBatchSize
	if flushBatchSize <= 0 {
		flushBatchSize = defaultFlushBatchSize
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := loggerOrNop(opts.Logger).Named("bucket").
		With(zaputils.BucketName("bucket", opts.BucketName))

	return &Bucket{
		logger:         logger,
		name:           opts.BucketName,
		vbMap:          vbMap,
		store:          opts.Store,
		oracle:         opts.PrivilegeOracle,
		flushBatchSize: flushBatchSize,
		clock:          clock,
		manager:        collectionsx.NewManager(logger),
		vbuckets:       make(map[uint16]*VBucket),
	}, nil
}

func (b *Bucket) Name() string {
	return b.name
}

// VbucketByKey returns the vbucket which owns the logical key.
func (b *Bucket) VbucketByKey(key []byte) uint16 {
	return b.vbMap.VbucketByKey(key)
}

func (b *Bucket) newVBucketOptions(vbid uint16, state enginex.VbucketState) vbucketOptions {
	return vbucketOptions{
		Logger:         b.logger,
		BucketName:     b.name,
		Vbid:           vbid,
		State:          state,
		FailoverUUID:   uuid.New(),
		Manifest:       collectionsx.NewVBManifest(b.logger),
		Persisted:      collectionsx.NewVBManifest(b.logger),
		Store:          b.store,
		Oracle:         b.oracle,
		FlushBatchSize: b.flushBatchSize,
		Clock:          b.clock,
	}
}

// CreateVBucket creates an empty vbucket. An active vbucket is brought up
// to the current manifest of the bucket straight away.
func (b *Bucket) CreateVBucket(vbid uint16, state enginex.VbucketState) (*VBucket, error) {
	if !b.vbMap.IsValid(vbid) {
		return nil, fmt.Errorf("vbucket %d is out of range: %w", vbid, enginex.ErrNotMyVbucket)
	}

	b.lock.Lock()
	if _, ok := b.vbuckets[vbid]; ok {
		b.lock.Unlock()
		return nil, fmt.Errorf("vbucket %d already exists: %w", vbid, enginex.ErrKeyExists)
	}
	vb := newVBucket(b.newVBucketOptions(vbid, state))
	b.vbuckets[vbid] = vb
	b.lock.Unlock()

	if state == enginex.VbucketStateActive {
		if err := b.catchUpVBucket(vb); err != nil {
			return nil, err
		}
	}

	b.logger.Info("created vbucket",
		zaputils.Vbid("vbid", vbid),
		zap.Stringer("state", state))
	return vb, nil
}

func (b *Bucket) GetVBucket(vbid uint16) (*VBucket, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	vb, ok := b.vbuckets[vbid]
	if !ok {
		return nil, fmt.Errorf("vbucket %d: %w", vbid, enginex.ErrNotMyVbucket)
	}
	return vb, nil
}

// VBuckets returns every vbucket of the bucket ordered by id.
func (b *Bucket) VBuckets() []*VBucket {
	b.lock.RLock()
	vbs := make([]*VBucket, 0, len(b.vbuckets))
	for _, vb := range b.vbuckets {
		vbs = append(vbs, vb)
	}
	b.lock.RUnlock()

	slices.SortFunc(vbs, func(a, b *VBucket) int {
		return int(a.vbid) - int(b.vbid)
	})
	return vbs
}

func (b *Bucket) activeVBuckets() []*VBucket {
	var active []*VBucket
	for _, vb := range b.VBuckets() {
		if vb.State() == enginex.VbucketStateActive {
			active = append(active, vb)
		}
	}
	return active
}

// SetVBucketState changes the state of a vbucket. A vbucket becoming active
// takes over the bucket manifest from then on.
func (b *Bucket) SetVBucketState(vbid uint16, state enginex.VbucketState) error {
	vb, err := b.GetVBucket(vbid)
	if err != nil {
		return err
	}

	vb.setState(state)
	if state == enginex.VbucketStateActive {
		return b.catchUpVBucket(vb)
	}
	return nil
}

// catchUpVBucket applies the current bucket manifest to vb if vb is behind.
func (b *Bucket) catchUpVBucket(vb *VBucket) error {
	current := b.manager.Current()
	return vb.applyManifest(current)
}

func (vb *VBucket) applyManifest(m *collectionsx.Manifest) error {
	rh := vb.manifest.Lock()
	uid := rh.GetManifestUid()
	rh.Unlock()

	if uid >= m.Uid() {
		return nil
	}

	err := vb.manifest.UpdateFromManifest(m, vb)
	if errors.Is(err, enginex.ErrOutOfRange) {
		// raced with another apply of the same or a newer manifest
		return nil
	}
	return err
}

// SetCollections validates a new collections manifest against the current
// one and applies it to every active vbucket. Replica vbuckets receive the
// change through replicated system events.
func (b *Bucket) SetCollections(ctx context.Context, data []byte) error {
	ctx, span := tracer.Start(ctx, "SetCollections",
		trace.WithAttributes(attribute.String("bucket", b.name)))
	defer span.End()

	next, err := collectionsx.ParseManifest(data)
	if err != nil {
		span.RecordError(err)
		b.recordManifestRejection(ctx, err)
		return err
	}
	span.SetAttributes(attribute.String("manifest_uid", next.Uid().String()))

	err = b.manager.Update(next, func(m *collectionsx.Manifest) error {
		var eg errgroup.Group
		for _, vb := range b.activeVBuckets() {
			vb := vb
			eg.Go(func() error {
				return vb.applyManifest(m)
			})
		}
		return eg.Wait()
	})
	if err != nil {
		span.RecordError(err)
		b.recordManifestRejection(ctx, err)
		return err
	}

	manifestUpdates.Add(ctx, 1,
		metric.WithAttributes(attribute.String("bucket", b.name)))
	return nil
}

func (b *Bucket) recordManifestRejection(ctx context.Context, err error) {
	status := enginex.StatusFromError(err)
	b.logger.Warn("rejected collections manifest",
		zap.Stringer("status", status),
		zap.Error(err))
	manifestRejections.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("bucket", b.name),
			attribute.String("status", status.String())))
}

// GetCollections renders the current manifest as the identity may see it:
// scopes and collections it holds no privilege in are left out.
func (b *Bucket) GetCollections(identity enginex.Identity) ([]byte, error) {
	return b.manager.Current().ToJSON(func(sid collectionsx.ScopeID, cid *collectionsx.CollectionID) bool {
		return b.oracle.TestPrivilege(identity, enginex.PrivilegeRead, &sid, cid) == nil
	})
}

// GetCollectionID resolves a "scope.collection" path against the current
// manifest, returning the manifest uid the answer was made against.
func (b *Bucket) GetCollectionID(path string) (collectionsx.ManifestUid, collectionsx.CollectionID, error) {
	current := b.manager.Current()
	_, cid, err := current.GetCollectionID(path)
	return current.Uid(), cid, err
}

// GetScopeID resolves a scope name against the current manifest.
func (b *Bucket) GetScopeID(path string) (collectionsx.ManifestUid, collectionsx.ScopeID, error) {
	current := b.manager.Current()
	sid, err := current.GetScopeID(path)
	return current.Uid(), sid, err
}

// Flush flushes every vbucket once.
func (b *Bucket) Flush(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Flush",
		trace.WithAttributes(attribute.String("bucket", b.name)))
	defer span.End()

	vbs := b.VBuckets()
	counts := make([]int, len(vbs))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, vb := range vbs {
		i, vb := i, vb
		eg.Go(func() error {
			n, err := vb.Flush(egCtx)
			counts[i] = n
			return err
		})
	}
	err := eg.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	span.SetAttributes(attribute.Int("items", total))
	if err != nil {
		span.RecordError(err)
	}
	return total, err
}

// RunBGFetchers completes the pending background fetches of every vbucket.
func (b *Bucket) RunBGFetchers(ctx context.Context) (int, error) {
	total := 0
	for _, vb := range b.VBuckets() {
		n, err := vb.RunBGFetcher(ctx)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// AddStats reports the state of every vbucket.
func (b *Bucket) AddStats(addStat func(key, value string)) {
	addStat("manifest_uid", b.manager.Current().Uid().String())
	for _, vb := range b.VBuckets() {
		vb.AddStats(addStat)
	}
}

func (b *Bucket) Close() error {
	b.lock.Lock()
	b.vbuckets = make(map[uint16]*VBucket)
	b.lock.Unlock()

	err := b.store.Close()
	if err != nil && !errors.Is(err, kvstorex.ErrClosed) {
		return err
	}
	return nil
}
