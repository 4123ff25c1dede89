package kvcollectionsx

import (
	"context"

	"github.com/couchbase/kvcollectionsx/collectionsx"
	"github.com/couchbase/kvcollectionsx/enginex"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type ExpiryPagerOptions struct {
	Logger *zap.Logger
	Bucket *Bucket
}

// ExpiryPager deletes the documents whose expiry time has passed. Documents
// of dropped collections are never expired, as an expiration queued after
// the drop would break the ordering of the collection's items before its
// drop event.
type ExpiryPager struct {
	logger *zap.Logger
	bucket *Bucket
}

func NewExpiryPager(opts ExpiryPagerOptions) *ExpiryPager {
	return &ExpiryPager{
		logger: loggerOrNop(opts.Logger).Named("expirypager"),
		bucket: opts.Bucket,
	}
}

// Run makes one pass over the active vbuckets and returns how many documents
// were expired.
func (p *ExpiryPager) Run(ctx context.Context) (int, error) {
	total := 0
	for _, vb := range p.bucket.activeVBuckets() {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		total += vb.expireItems()
	}

	if total > 0 {
		p.logger.Debug("expired documents", zap.Int("count", total))
	}
	expiryPagerExpired.Add(ctx, int64(total),
		metric.WithAttributes(attribute.String("bucket", p.bucket.name)))
	return total, nil
}

func (vb *VBucket) expireItems() int {
	if vb.State() != enginex.VbucketStateActive {
		return 0
	}

	now := vb.clock()

	vb.ht.lock.Lock()
	var candidates []collectionsx.DocKey
	for _, sv := range vb.ht.items {
		if sv.isExpired(now) {
			candidates = append(candidates, sv.item.Key)
		}
	}
	vb.ht.lock.Unlock()

	expired := 0
	for _, key := range candidates {
		if vb.expireKey(key) {
			expired++
		}
	}
	return expired
}

func (vb *VBucket) expireKey(key collectionsx.DocKey) bool {
	h := vb.manifest.LockKey(key)
	defer h.Unlock()

	vb.ht.lock.Lock()
	defer vb.ht.lock.Unlock()

	sv := vb.ht.findLocked(key)
	if sv == nil || !sv.isExpired(vb.clock()) {
		return false
	}
	if !h.Valid() || h.IsLogicallyDeleted(sv.item.BySeqno) {
		return false
	}

	vb.expireLocked(h, sv)
	return true
}
