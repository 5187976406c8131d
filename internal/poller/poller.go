package poller

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/torbox_blackhole/internal/job"
	"github.com/italolelis/torbox_blackhole/internal/logctx"
	"github.com/italolelis/torbox_blackhole/internal/telemetry"
	"github.com/italolelis/torbox_blackhole/internal/tracker"
	"golang.org/x/sync/errgroup"
)

const eventBuffer = 16

// Fetcher materializes one completed item into its target directory and
// reports the root path the content landed at.
type Fetcher interface {
	Fetch(ctx context.Context, item job.Item) (string, error)
}

// FetchedItem pairs a finished item with where its content materialized.
type FetchedItem struct {
	Item        job.Item
	ContentPath string
}

// Poller queries the remote status of every tracked item on a fixed
// interval. While a job is still in flight remotely, a successful query
// resets the item's failure counter and a failed one increments it;
// once the job is ready, failed fetch attempts count instead. Reaching
// the ceiling either way drops the item for good. Completed items are
// handed to the fetcher off the tick so a slow download never delays
// the next round of status checks.
type Poller struct {
	client      job.Client
	store       *tracker.Store
	fetcher     Fetcher
	tel         *telemetry.Telemetry
	maxFailures int

	mu       sync.Mutex
	inflight map[string]struct{}

	OnItemFetched chan FetchedItem
	OnItemDropped chan job.Item
}

func New(
	client job.Client,
	store *tracker.Store,
	fetcher Fetcher,
	tel *telemetry.Telemetry,
	maxFailures int,
) *Poller {
	return &Poller{
		client:        client,
		store:         store,
		fetcher:       fetcher,
		tel:           tel,
		maxFailures:   maxFailures,
		inflight:      make(map[string]struct{}),
		OnItemFetched: make(chan FetchedItem, eventBuffer),
		OnItemDropped: make(chan job.Item, eventBuffer),
	}
}

// Run checks all tracked items on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "polling job statuses", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "shutting down poller")

			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check queries every tracked item once, each on its own goroutine.
// Items with an in-flight fetch are skipped until the fetch settles.
// Check returns when all status queries finish; fetches it started keep
// running past the tick boundary.
func (p *Poller) Check(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	items := p.store.All()
	if len(items) == 0 {
		return
	}

	logger.DebugContext(ctx, "checking tracked jobs", "count", len(items))

	// A plain group, not WithContext: fetches dispatched from a check
	// outlive the tick and must not be cancelled when Wait returns.
	var wg errgroup.Group

	for i := range items {
		item := items[i]

		if p.isInflight(item.ID) {
			logger.DebugContext(ctx, "skipping job with download in progress", "job_id", item.ID)

			continue
		}

		wg.Go(func() error {
			// Each item settles its own outcome so one failure never
			// cancels the other queries in the tick.
			p.checkItem(ctx, item)

			return nil
		})
	}

	_ = wg.Wait()
}

func (p *Poller) checkItem(ctx context.Context, item job.Item) {
	logger := logctx.LoggerFromContext(ctx).With("job_id", item.ID, "label", item.Label)

	status, err := p.client.Status(ctx, item.Ref())
	if err != nil {
		p.tel.RecordStatusCheck("error")
		logger.ErrorContext(ctx, "failed to check job status", "err", err)
		p.recordFailure(ctx, item.ID)

		return
	}

	p.tel.RecordStatusCheck("success")

	logger.InfoContext(ctx, "job status",
		"kind", item.Kind,
		"status", status.State,
		"progress", humanize.FtoaWithDigits(status.Progress*100, 1),
		"size", humanize.Bytes(uint64(status.Size)),
	)

	if !status.Ready {
		p.store.MarkChecked(item.ID, status.State, status.Progress*100)

		return
	}

	// A ready item's accounting is settled by the fetch outcome, not by
	// the status query. Resetting the counter here would let a download
	// that fails every tick ping-pong below the ceiling forever.
	p.store.Update(item.ID, func(it *job.Item) {
		it.Status = status.State
		it.ProgressPercent = status.Progress * 100
	})

	if !p.markInflight(item.ID) {
		return
	}

	go p.fetchItem(ctx, item)
}

func (p *Poller) fetchItem(ctx context.Context, item job.Item) {
	defer p.clearInflight(item.ID)

	logger := logctx.LoggerFromContext(ctx).With("job_id", item.ID, "label", item.Label)

	logger.InfoContext(ctx, "job completed remotely, fetching content", "target_dir", item.TargetDir)

	contentPath, err := p.fetcher.Fetch(ctx, item)
	if err != nil {
		logger.ErrorContext(ctx, "failed to fetch completed job", "err", err)
		p.recordFailure(ctx, item.ID)

		return
	}

	removed, ok := p.store.Remove(item.ID)
	if !ok {
		return
	}

	p.tel.ItemTracked(-1)

	logger.InfoContext(ctx, "job fetched and untracked", "content_path", contentPath)

	select {
	case p.OnItemFetched <- FetchedItem{Item: removed, ContentPath: contentPath}:
	default:
	}
}

// recordFailure counts one failed check against the item and drops it
// once the consecutive-failure ceiling is reached. Other items are
// never affected.
func (p *Poller) recordFailure(ctx context.Context, id string) {
	logger := logctx.LoggerFromContext(ctx)

	failures := p.store.MarkFailed(id)
	if failures < 0 {
		return
	}

	if failures < p.maxFailures {
		logger.WarnContext(ctx, "job check failed",
			"job_id", id,
			"consecutive_failures", failures,
			"max_failures", p.maxFailures,
		)

		return
	}

	removed, ok := p.store.Remove(id)
	if !ok {
		return
	}

	p.tel.ItemTracked(-1)
	p.tel.RecordItemDropped(string(removed.Kind))

	logger.ErrorContext(ctx, "dropping job after repeated failures",
		"job_id", removed.ID,
		"label", removed.Label,
		"last_status", removed.Status,
		"consecutive_failures", failures,
	)

	p.notify(p.OnItemDropped, removed)
}

// notify never blocks: if nobody is draining the channel the event is
// dropped, which only costs a notification.
func (p *Poller) notify(ch chan job.Item, item job.Item) {
	select {
	case ch <- item:
	default:
	}
}

func (p *Poller) isInflight(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.inflight[id]

	return ok
}

func (p *Poller) markInflight(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.inflight[id]; ok {
		return false
	}

	p.inflight[id] = struct{}{}

	return true
}

func (p *Poller) clearInflight(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.inflight, id)
}
