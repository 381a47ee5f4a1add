package notification

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	alerts []Alert
	block  chan struct{}
	err    error
}

func (r *recorder) Send(_ context.Context, a Alert) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestAsync_DeliversInOrder(t *testing.T) {
	rec := &recorder{}
	a := NewAsync(rec, 8)
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	for _, s := range []string{"BTCUSDT", "ETHUSDT"} {
		require.NoError(t, a.Send(ctx, Alert{Kind: KindPriceUp, Symbol: s}))
	}
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "BTCUSDT", rec.alerts[0].Symbol)

	cancel()
	<-a.Done()
}

func TestAsync_DropsWhenFull(t *testing.T) {
	rec := &recorder{}
	a := NewAsync(rec, 1)
	dropped := 0
	a.OnDrop = func(Alert) { dropped++ }

	// Not running: the second send has nowhere to go.
	require.NoError(t, a.Send(context.Background(), Alert{}))
	require.NoError(t, a.Send(context.Background(), Alert{}))
	assert.Equal(t, 1, dropped)
}

func TestAsync_DrainsOnShutdown(t *testing.T) {
	rec := &recorder{}
	a := NewAsync(rec, 4)
	for i := 0; i < 3; i++ {
		_ = a.Send(context.Background(), Alert{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Run(ctx)
	assert.Equal(t, 3, rec.count())
}

func TestAsync_ErrorsAreReported(t *testing.T) {
	rec := &recorder{err: errors.New("down")}
	a := NewAsync(rec, 4)
	var failed int
	a.OnError = func(Alert, error) { failed++ }
	_ = a.Send(context.Background(), Alert{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Run(ctx)
	assert.Equal(t, 1, failed)
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("boom")}
	err := Multi{ok, bad, NewLogNotifier()}.Send(context.Background(), Alert{Title: "x"})
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, 1, ok.count())
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{
		Level: AlertInfo, Kind: KindEntry, Symbol: "BTCUSDT", UserID: "u1", Title: "Entry",
	})
	require.NoError(t, err)
	assert.Equal(t, "entry", got["kind"])
	assert.Equal(t, "BTCUSDT", got["symbol"])
	assert.Equal(t, "u1", got["user_id"])
}

func TestTelegramNotifier(t *testing.T) {
	var path string
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("TOKEN", "42")
	n.baseURL = srv.URL
	require.NoError(t, n.Send(context.Background(), Alert{Level: AlertWarning, Title: "SL hit", Message: "price 99.5"}))
	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Contains(t, got["text"], `price 99\.5`)
}

func TestWebhookNotifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	n.http.delay.Min, n.http.delay.Max = time.Millisecond, time.Millisecond
	require.NoError(t, n.Send(context.Background(), Alert{Kind: KindClose}))
	assert.EqualValues(t, 2, calls.Load())
}

func TestWebhookNotifier_ClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{Kind: KindClose})
	assert.ErrorContains(t, err, "unexpected status 400")
	assert.EqualValues(t, 1, calls.Load())
}

func TestEscapeMarkdown(t *testing.T) {
	assert.Equal(t, `a\_b\*c\.`, escapeMarkdown("a_b*c."))
}
