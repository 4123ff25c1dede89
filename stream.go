package kvcollectionsx

import (
	"context"
	"fmt"

	"github.com/couchbase/kvcollectionsx/collectionsx"
	"github.com/couchbase/kvcollectionsx/enginex"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

type StreamEndReason int

const (
	StreamEndReasonOK StreamEndReason = iota
	StreamEndReasonClosed
	StreamEndReasonFilterEmpty
	StreamEndReasonLostPrivileges
)

func (r StreamEndReason) String() string {
	switch r {
	case StreamEndReasonOK:
		return "ok"
	case StreamEndReasonClosed:
		return "closed"
	case StreamEndReasonFilterEmpty:
		return "filter_empty"
	case StreamEndReasonLostPrivileges:
		return "lost_privileges"
	}
	return "unknown"
}

type ActiveStreamOptions struct {
	Logger *zap.Logger

	// StartSeqno is the last seqno the client has, the stream begins with
	// the item after it.
	StartSeqno uint64

	// FilterSpec is the JSON collections filter. A nil FilterSpec opens a
	// legacy stream of the default collection only.
	FilterSpec []byte

	Identity enginex.Identity
}

// ActiveStream sends the items of one vbucket to a DCP client, through the
// client's collections filter. A stream must only be used by one goroutine
// at a time.
type ActiveStream struct {
	logger *zap.Logger
	vb     *VBucket
	name   string
	filter *collectionsx.Filter

	backfill  []*collectionsx.Item
	ended     bool
	endReason StreamEndReason
}

// StreamResult is one batch of a stream. Once Ended is set the stream sends
// nothing further.
type StreamResult struct {
	Items     []*collectionsx.Item
	Ended     bool
	EndReason StreamEndReason
}

// NewActiveStream opens a stream from opts.StartSeqno. Items no longer held
// in memory are read from the store first, skipping those which belong to
// dropped collections.
func (vb *VBucket) NewActiveStream(opts ActiveStreamOptions) (*ActiveStream, error) {
	if vb.State() != enginex.VbucketStateActive {
		return nil, fmt.Errorf("vbucket %d is %s: %w", vb.vbid, vb.State(), enginex.ErrNotMyVbucket)
	}
	if high := vb.checkpoint.HighSeqno(); opts.StartSeqno > high {
		return nil, fmt.Errorf("start seqno %d is after high seqno %d: %w",
			opts.StartSeqno, high, enginex.ErrOutOfRange)
	}

	name := uuid.NewString()
	logger := vbucketLogger(opts.Logger, vb.vbid).Named("stream").With(
		zap.String("name", name))

	filter, err := collectionsx.NewFilter(collectionsx.FilterOptions{
		Logger:   logger,
		Spec:     opts.FilterSpec,
		Manifest: vb.manifest,
		Identity: opts.Identity,
		Oracle:   vb.oracle,
	})
	if err != nil {
		return nil, err
	}

	s := &ActiveStream{
		logger: logger,
		vb:     vb,
		name:   name,
		filter: filter,
	}

	backfillEnd, needsBackfill := vb.checkpoint.RegisterCursor(name, opts.StartSeqno)
	if needsBackfill {
		if err := s.readBackfill(opts.StartSeqno, backfillEnd); err != nil {
			vb.checkpoint.RemoveCursor(name)
			return nil, err
		}
	}

	logger.Debug("opened stream",
		zap.Uint64("startSeqno", opts.StartSeqno),
		zap.Bool("backfill", needsBackfill),
		zap.Int("backfillItems", len(s.backfill)),
		zap.Stringer("filter", filter))
	return s, nil
}

func (s *ActiveStream) readBackfill(startSeqno, endSeqno uint64) error {
	rh := s.vb.manifest.Lock()
	defer rh.Unlock()

	err := s.vb.store.Scan(s.vb.vbid, func(item *collectionsx.Item) error {
		if item.BySeqno <= startSeqno || item.BySeqno > endSeqno {
			return nil
		}
		if rh.IsLogicallyDeleted(item.Key, item.BySeqno) {
			return nil
		}
		s.backfill = append(s.backfill, item)
		return nil
	})
	if err != nil {
		return err
	}

	slices.SortFunc(s.backfill, func(a, b *collectionsx.Item) int {
		switch {
		case a.BySeqno < b.BySeqno:
			return -1
		case a.BySeqno > b.BySeqno:
			return 1
		}
		return 0
	})
	return nil
}

func (s *ActiveStream) Name() string {
	return s.name
}

func (s *ActiveStream) Filter() *collectionsx.Filter {
	return s.filter
}

func (s *ActiveStream) end(ctx context.Context, reason StreamEndReason) {
	if s.ended {
		return
	}

	s.ended = true
	s.endReason = reason
	s.backfill = nil
	s.vb.checkpoint.RemoveCursor(s.name)

	dcpStreamEnds.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("bucket", s.vb.bucketName),
			attribute.String("reason", reason.String())))
	s.logger.Debug("stream ended", zap.Stringer("reason", reason))
}

func (s *ActiveStream) nextItems(max int) []*collectionsx.Item {
	if len(s.backfill) > 0 {
		n := max
		if n > len(s.backfill) {
			n = len(s.backfill)
		}
		items := s.backfill[:n]
		s.backfill = s.backfill[n:]
		return items
	}
	return s.vb.checkpoint.Next(s.name, max)
}

// Next returns up to max items. It never waits: an empty result means the
// stream has caught up with the vbucket. The stream ends, after sending the
// event which caused it, when its filter becomes empty, and ends without
// sending anything further when the identity loses its privileges.
func (s *ActiveStream) Next(ctx context.Context, max int) (*StreamResult, error) {
	if s.ended {
		return &StreamResult{Ended: true, EndReason: s.endReason}, nil
	}

	if err := s.filter.CheckPrivileges(); err != nil {
		s.logger.Warn("stream lost privileges", zap.Error(err))
		s.end(ctx, StreamEndReasonLostPrivileges)
		return &StreamResult{Ended: true, EndReason: s.endReason}, nil
	}

	res := &StreamResult{}
	sent, filtered := 0, 0
	for len(res.Items) < max && !s.ended {
		items := s.nextItems(max - len(res.Items))
		if len(items) == 0 {
			break
		}

		for _, item := range items {
			ok, err := s.filter.CheckAndUpdate(item)
			if err != nil {
				return nil, err
			}
			if ok {
				res.Items = append(res.Items, item.Clone())
				sent++
			} else {
				filtered++
			}

			if s.filter.Empty() {
				s.end(ctx, StreamEndReasonFilterEmpty)
				break
			}
		}
	}

	attrs := metric.WithAttributes(attribute.String("bucket", s.vb.bucketName))
	dcpItemsSent.Add(ctx, int64(sent), attrs)
	dcpItemsFiltered.Add(ctx, int64(filtered), attrs)

	res.Ended = s.ended
	res.EndReason = s.endReason
	return res, nil
}

// Close ends the stream and releases its cursor.
func (s *ActiveStream) Close() {
	s.end(context.Background(), StreamEndReasonClosed)
}

// AddStats reports the stream and its filter.
func (s *ActiveStream) AddStats(addStat func(key, value string)) {
	prefix := s.name
	addStat(prefix+":vbid", fmt.Sprintf("%d", s.vb.vbid))
	addStat(prefix+":ended", fmt.Sprintf("%t", s.ended))
	addStat(prefix+":backfill_remaining", fmt.Sprintf("%d", len(s.backfill)))
	s.filter.AddStats(prefix, s.vb.vbid, addStat)
}
