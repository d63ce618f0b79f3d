// Package webhook delivers approval events to tenant-registered endpoints.
// Dispatch is fire-and-forget from the approval path: deliveries queue into a
// bounded channel, workers retry with backoff, and failures only ever log.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hivemind-io/hivemind/pkg/models"
	"github.com/hivemind-io/hivemind/pkg/observability"
)

// Config tunes webhook delivery
type Config struct {
	// Timeout bounds one delivery attempt. Defaults to 10s.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	// Defaults to 3.
	MaxRetries int

	// QueueSize bounds the dispatch queue. Defaults to 256.
	QueueSize int

	// Workers is the delivery concurrency. Defaults to 4.
	Workers int
}

// delivery is one queued endpoint delivery
type delivery struct {
	url     string
	payload []byte
}

// Dispatcher posts approval events to webhook endpoints
type Dispatcher struct {
	config  Config
	client  *http.Client
	logger  observability.Logger
	metrics observability.MetricsClient

	queue chan delivery
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewDispatcher creates a dispatcher and starts its workers
func NewDispatcher(cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	d := &Dispatcher{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
		metrics: metrics,
		queue:   make(chan delivery, cfg.QueueSize),
		done:    make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}
	return d
}

// Dispatch queues one event for every matching endpoint. Never blocks: a
// full queue drops the delivery and logs.
func (d *Dispatcher) Dispatch(event *models.WebhookEvent, endpoints []*models.WebhookEndpoint) {
	if len(endpoints) == 0 {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("Failed to marshal webhook event", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	for _, endpoint := range endpoints {
		select {
		case d.queue <- delivery{url: endpoint.URL, payload: payload}:
		case <-d.done:
			return
		default:
			d.logger.Warn("Webhook queue full, dropping delivery", map[string]interface{}{
				"url":       endpoint.URL,
				"tenant_id": endpoint.TenantID,
			})
			d.count("dropped")
		}
	}
}

// Close stops accepting deliveries and waits for in-flight ones
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case job := <-d.queue:
			d.deliver(job)
		}
	}
}

func (d *Dispatcher) deliver(job delivery) {
	operation := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.url, bytes.NewReader(job.payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			return fmt.Errorf("delivery failed: %w", err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			// Client errors will not heal on retry
			return backoff.Permanent(fmt.Errorf("endpoint rejected delivery with status %d", resp.StatusCode))
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(d.config.MaxRetries))
	if err := backoff.Retry(operation, policy); err != nil {
		d.logger.Warn("Webhook delivery failed", map[string]interface{}{
			"url":   job.url,
			"error": err.Error(),
		})
		d.count("failed")
		return
	}
	d.count("delivered")
}

func (d *Dispatcher) count(outcome string) {
	if d.metrics != nil {
		d.metrics.IncrementCounterWithLabels("webhook_deliveries_total", 1, map[string]string{"outcome": outcome})
	}
}
