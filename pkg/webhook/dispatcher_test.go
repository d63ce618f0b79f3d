package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hivemind-io/hivemind/pkg/models"
	"github.com/hivemind-io/hivemind/pkg/observability"
)

// newTestDispatcher builds a dispatcher the caller must Close via defer, after
// the goleak defer: cleanups registered with t.Cleanup would run too late for
// the leak check to see the worker goroutines gone.
func newTestDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	return NewDispatcher(cfg, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func approvedEvent() *models.WebhookEvent {
	return &models.WebhookEvent{
		Event:           models.EventKnowledgeApproved,
		KnowledgeItemID: uuid.New().String(),
		TenantID:        "tenant-1",
		Category:        "error-fix",
		Timestamp:       time.Now().UTC(),
	}
}

func endpointFor(url string) *models.WebhookEndpoint {
	return &models.WebhookEndpoint{
		ID:       uuid.New(),
		TenantID: "tenant-1",
		URL:      url,
		IsActive: true,
	}
}

func TestDispatcherDelivers(t *testing.T) {
	defer goleak.VerifyNone(t)

	received := make(chan models.WebhookEvent, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var event models.WebhookEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&event))
		received <- event
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, Config{Workers: 1})
	defer d.Close()
	sent := approvedEvent()
	d.Dispatch(sent, []*models.WebhookEndpoint{endpointFor(srv.URL)})

	select {
	case event := <-received:
		assert.Equal(t, models.EventKnowledgeApproved, event.Event)
		assert.Equal(t, sent.KnowledgeItemID, event.KnowledgeItemID)
		assert.Equal(t, sent.TenantID, event.TenantID)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never arrived")
	}
}

func TestDispatcherFansOutToAllEndpoints(t *testing.T) {
	defer goleak.VerifyNone(t)

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, Config{Workers: 2})
	defer d.Close()
	d.Dispatch(approvedEvent(), []*models.WebhookEndpoint{
		endpointFor(srv.URL),
		endpointFor(srv.URL),
		endpointFor(srv.URL),
	})

	assert.Eventually(t, func() bool { return hits.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcherRetriesServerErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, Config{Workers: 1, MaxRetries: 3})
	defer d.Close()
	d.Dispatch(approvedEvent(), []*models.WebhookEndpoint{endpointFor(srv.URL)})

	assert.Eventually(t, func() bool { return attempts.Load() == 3 }, 5*time.Second, 10*time.Millisecond)
}

func TestDispatcherDoesNotRetryClientErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{Workers: 1, MaxRetries: 3}, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	d.Dispatch(approvedEvent(), []*models.WebhookEndpoint{endpointFor(srv.URL)})

	// Close waits for the in-flight delivery, so the count is final after it.
	d.Close()
	assert.Equal(t, int64(1), attempts.Load())
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	block := make(chan struct{})
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(Config{Workers: 1, QueueSize: 1}, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	endpoint := endpointFor(srv.URL)

	// First delivery occupies the worker.
	d.Dispatch(approvedEvent(), []*models.WebhookEndpoint{endpoint})
	require.Eventually(t, func() bool { return hits.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Second fills the queue, third is dropped without blocking.
	d.Dispatch(approvedEvent(), []*models.WebhookEndpoint{endpoint})
	d.Dispatch(approvedEvent(), []*models.WebhookEndpoint{endpoint})

	close(block)
	assert.Eventually(t, func() bool { return hits.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	d.Close()
	assert.Equal(t, int64(2), hits.Load())
}

func TestDispatcherNoEndpointsIsNoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := newTestDispatcher(t, Config{Workers: 1})
	defer d.Close()
	d.Dispatch(approvedEvent(), nil)
}
