package scores

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kibetmanuu/SportHublive-sub001/internal/cache"
)

type blockingDoer struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *blockingDoer) Do(req *http.Request) (*http.Response, error) {
	d.calls.Add(1)
	d.once.Do(func() { close(d.started) })
	select {
	case <-d.release:
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(`{"live":true}`)),
		Header:     http.Header{},
	}, nil
}

func openStore(t *testing.T) *cache.Store {
	t.Helper()
	b, err := cache.OpenLevelDB(t.TempDir())
	require.NoError(t, err)
	s := cache.NewStore(context.Background(), b)
	t.Cleanup(s.Close)
	return s
}

func TestConcurrentMissesShareOneUpstreamCall(t *testing.T) {
	doer := &blockingDoer{started: make(chan struct{}), release: make(chan struct{})}
	f := NewFetcher(map[string]Domain{"football": {BaseURL: "http://upstream", Client: doer}}, openStore(t), nil)
	q := Query{Domain: "football", Endpoint: "fixtures/live", Params: map[string]string{"league": "39"}}

	const n = 10
	results := make([]Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.Fetch(context.Background(), q)
		}(i)
	}

	<-doer.started
	time.Sleep(20 * time.Millisecond)
	close(doer.release)
	wg.Wait()

	assert.Equal(t, int32(1), doer.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.JSONEq(t, `{"live":true}`, string(results[i].Data))
		assert.Contains(t, []string{SourceMiss, SourceHit}, results[i].Source)
	}
}

func TestCancelledWaiterDoesNotFailSharedCall(t *testing.T) {
	doer := &blockingDoer{started: make(chan struct{}), release: make(chan struct{})}
	store := openStore(t)
	f := NewFetcher(map[string]Domain{"football": {BaseURL: "http://upstream", Client: doer}}, store, nil)
	q := Query{Domain: "football", Endpoint: "fixtures/live"}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctxA, q)
		errA <- err
	}()
	<-doer.started

	type outcome struct {
		res Result
		err error
	}
	doneB := make(chan outcome, 1)
	go func() {
		res, err := f.Fetch(context.Background(), q)
		doneB <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller still blocked on the shared call")
	}

	close(doer.release)
	select {
	case out := <-doneB:
		require.NoError(t, out.err)
		assert.JSONEq(t, `{"live":true}`, string(out.res.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never got the payload")
	}
	assert.Equal(t, int32(1), doer.calls.Load())

	var cached json.RawMessage
	assert.True(t, store.GetCachedData(context.Background(), q.CacheKey(), &cached, cache.CacheFirst))
}

func TestCloseStopsDetachedCalls(t *testing.T) {
	doer := &blockingDoer{started: make(chan struct{}), release: make(chan struct{})}
	f := NewFetcher(map[string]Domain{"football": {BaseURL: "http://upstream", Client: doer}}, openStore(t), nil)
	q := Query{Domain: "football", Endpoint: "fixtures/live"}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, q)
		errc <- err
	}()
	<-doer.started
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	closed := make(chan struct{})
	go func() {
		f.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not stop the detached upstream call")
	}

	_, err := f.Fetch(context.Background(), q)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, int32(1), doer.calls.Load())
}

type statusDoer int

func (d statusDoer) Do(*http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: int(d),
		Body:       io.NopCloser(strings.NewReader(`{"errors":["nope"]}`)),
		Header:     http.Header{},
	}, nil
}

func TestFetchStatusError(t *testing.T) {
	f := NewFetcher(map[string]Domain{"football": {BaseURL: "http://upstream", Client: statusDoer(http.StatusNotFound)}}, openStore(t), nil)

	_, err := f.Fetch(context.Background(), Query{Domain: "football", Endpoint: "players"})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Status)
	assert.JSONEq(t, `{"errors":["nope"]}`, string(se.Body))
	assert.Equal(t, "status", fetchResult(err))
}

func TestRefreshSkipsBypassedEndpoints(t *testing.T) {
	doer := statusDoer(http.StatusOK)
	store := openStore(t)
	policy := cache.Policy{{Contains: []string{"odds"}, Bypass: true}}
	f := NewFetcher(map[string]Domain{"football": {BaseURL: "http://upstream", Client: doer}}, store, policy)

	require.NoError(t, f.Refresh(context.Background(), Query{Domain: "football", Endpoint: "odds"}))
	require.NoError(t, f.Refresh(context.Background(), Query{Domain: "football", Endpoint: "fixtures"}))
	assert.Equal(t, 1, store.GetCacheStats().TotalEntries)
	assert.ErrorIs(t, f.Refresh(context.Background(), Query{Domain: "nba", Endpoint: "x"}), ErrUnknownDomain)
}

func TestUpstreamURL(t *testing.T) {
	assert.Equal(t, "https://api.example/v3/fixtures", upstreamURL("https://api.example/v3/", Query{Endpoint: "/fixtures"}))
	assert.Equal(t, "https://api.example/fixtures?date=2026-03-01&league=39",
		upstreamURL("https://api.example", Query{Endpoint: "fixtures", Params: map[string]string{"league": "39", "date": "2026-03-01"}}))
}
