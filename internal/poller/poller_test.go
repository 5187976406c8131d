package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/torbox_blackhole/internal/job"
	"github.com/italolelis/torbox_blackhole/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu       sync.Mutex
	statuses map[string]*job.StatusInfo
	errs     map[string]error
	calls    map[string]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		statuses: make(map[string]*job.StatusInfo),
		errs:     make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (f *fakeClient) Authenticate(context.Context) error { return nil }

func (f *fakeClient) Submit(context.Context, job.Submission) (*job.Receipt, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) Status(_ context.Context, ref job.Ref) (*job.StatusInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[ref.ID]++

	if err, ok := f.errs[ref.ID]; ok {
		return nil, err
	}

	if status, ok := f.statuses[ref.ID]; ok {
		return status, nil
	}

	return nil, &job.NotFoundError{Ref: ref}
}

func (f *fakeClient) DownloadLinks(context.Context, job.Ref, bool) ([]string, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[id]
}

type fakeFetcher struct {
	mu          sync.Mutex
	err         error
	contentPath string
	fetched     []string
	block       chan struct{}
}

func (f *fakeFetcher) Fetch(_ context.Context, item job.Item) (string, error) {
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return "", f.err
	}

	f.fetched = append(f.fetched, item.ID)

	return f.contentPath, nil
}

func (f *fakeFetcher) fetchedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.fetched...)
}

func trackedItem(id string) job.Item {
	return job.Item{ID: id, Kind: job.KindTorrent, Label: "release-" + id, TargetDir: "/downloads"}
}

func TestCheck_SuccessfulQueryResetsFailures(t *testing.T) {
	store := tracker.NewStore()
	item := trackedItem("1")
	item.ConsecutiveFailures = 4
	store.Put(item)

	client := newFakeClient()
	client.statuses["1"] = &job.StatusInfo{State: "downloading", Progress: 0.5}

	p := New(client, store, &fakeFetcher{}, nil, 5)
	p.Check(context.Background())

	got, ok := store.Get("1")
	require.True(t, ok)
	assert.Equal(t, 0, got.ConsecutiveFailures)
	assert.Equal(t, "downloading", got.Status)
	assert.InDelta(t, 50.0, got.ProgressPercent, 0.001)
}

func TestCheck_FailureCeilingDropsItemIndependently(t *testing.T) {
	store := tracker.NewStore()
	store.Put(trackedItem("doomed"))
	store.Put(trackedItem("healthy"))

	client := newFakeClient()
	client.errs["doomed"] = errors.New("remote unavailable")
	client.statuses["healthy"] = &job.StatusInfo{State: "downloading", Progress: 0.1}

	p := New(client, store, &fakeFetcher{}, nil, 5)

	for i := 0; i < 4; i++ {
		p.Check(context.Background())

		_, stillTracked := store.Get("doomed")
		assert.True(t, stillTracked, "item must survive failure %d", i+1)
	}

	p.Check(context.Background())

	_, stillTracked := store.Get("doomed")
	assert.False(t, stillTracked, "item must be dropped after the 5th consecutive failure")

	healthy, ok := store.Get("healthy")
	require.True(t, ok)
	assert.Equal(t, 0, healthy.ConsecutiveFailures, "one item's failures must not leak into another")

	select {
	case dropped := <-p.OnItemDropped:
		assert.Equal(t, "doomed", dropped.ID)
	case <-time.After(time.Second):
		t.Fatal("expected a dropped-item event")
	}
}

func TestCheck_ReadyItemIsFetchedAndRemoved(t *testing.T) {
	store := tracker.NewStore()
	store.Put(trackedItem("42"))

	client := newFakeClient()
	client.statuses["42"] = &job.StatusInfo{State: "completed", Progress: 1, Ready: true}

	fetcher := &fakeFetcher{contentPath: "/downloads/release-42"}
	p := New(client, store, fetcher, nil, 5)
	p.Check(context.Background())

	select {
	case fetched := <-p.OnItemFetched:
		assert.Equal(t, "42", fetched.Item.ID)
		assert.Equal(t, "/downloads/release-42", fetched.ContentPath, "event must carry where the content landed")
	case <-time.After(time.Second):
		t.Fatal("expected a fetched-item event")
	}

	_, stillTracked := store.Get("42")
	assert.False(t, stillTracked)
	assert.Equal(t, []string{"42"}, fetcher.fetchedIDs())
}

func TestCheck_FetchFailureCountsAsFailedCheck(t *testing.T) {
	store := tracker.NewStore()
	store.Put(trackedItem("42"))

	client := newFakeClient()
	client.statuses["42"] = &job.StatusInfo{State: "completed", Progress: 1, Ready: true}

	fetcher := &fakeFetcher{err: errors.New("disk full")}
	p := New(client, store, fetcher, nil, 5)
	p.Check(context.Background())

	require.Eventually(t, func() bool {
		item, ok := store.Get("42")

		return ok && item.ConsecutiveFailures == 1
	}, time.Second, 10*time.Millisecond)
}

func TestCheck_RepeatedFetchFailuresReachCeiling(t *testing.T) {
	store := tracker.NewStore()
	store.Put(trackedItem("42"))

	client := newFakeClient()
	client.statuses["42"] = &job.StatusInfo{State: "completed", Progress: 1, Ready: true}

	fetcher := &fakeFetcher{err: errors.New("disk full")}
	p := New(client, store, fetcher, nil, 3)

	// The status query succeeds on every tick, but the fetch never does.
	// The successful query must not wipe out the fetch failures, or a
	// permanently failing download would stay tracked forever.
	for tick := 1; tick <= 2; tick++ {
		p.Check(context.Background())

		want := tick
		require.Eventually(t, func() bool {
			item, ok := store.Get("42")

			return ok && item.ConsecutiveFailures == want && !p.isInflight("42")
		}, time.Second, 10*time.Millisecond, "failures must accumulate across ticks, got stuck before %d", want)
	}

	p.Check(context.Background())

	require.Eventually(t, func() bool {
		_, stillTracked := store.Get("42")

		return !stillTracked
	}, time.Second, 10*time.Millisecond, "item must be dropped once fetch failures reach the ceiling")

	select {
	case dropped := <-p.OnItemDropped:
		assert.Equal(t, "42", dropped.ID)
	case <-time.After(time.Second):
		t.Fatal("expected a dropped-item event")
	}
}

func TestCheck_InflightFetchIsNotQueriedAgain(t *testing.T) {
	store := tracker.NewStore()
	store.Put(trackedItem("42"))

	client := newFakeClient()
	client.statuses["42"] = &job.StatusInfo{State: "completed", Progress: 1, Ready: true}

	fetcher := &fakeFetcher{block: make(chan struct{})}
	p := New(client, store, fetcher, nil, 5)

	p.Check(context.Background())

	require.Eventually(t, func() bool { return p.isInflight("42") }, time.Second, 10*time.Millisecond)

	p.Check(context.Background())
	p.Check(context.Background())
	assert.Equal(t, 1, client.callCount("42"), "an item with a download in progress must be skipped")

	close(fetcher.block)

	require.Eventually(t, func() bool {
		_, stillTracked := store.Get("42")

		return !stillTracked
	}, time.Second, 10*time.Millisecond)
}

func TestCheck_EmptyStoreIsANoop(t *testing.T) {
	client := newFakeClient()
	p := New(client, tracker.NewStore(), &fakeFetcher{}, nil, 5)

	p.Check(context.Background())

	assert.Empty(t, client.calls)
}

func TestNotify_DoesNotBlockWithoutConsumer(t *testing.T) {
	p := New(newFakeClient(), tracker.NewStore(), &fakeFetcher{}, nil, 5)

	for i := 0; i < eventBuffer+5; i++ {
		p.notify(p.OnItemDropped, trackedItem("x"))
	}
}
