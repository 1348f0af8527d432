// Package usage implements the metering/usage webhook sink (spec §4.G′
// "queue drain"): events are queued in memory and flushed in batches to an
// external HTTP endpoint, signed the way streamspace's webhook middleware
// verifies inbound requests — HMAC-SHA256 over the JSON body, hex-encoded,
// carried in a header — only here Erebus is the sender, not the verifier.
package usage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/erebus-io/erebus/internal/metrics"
)

// Event is one usage occurrence (spec §6 queue envelope payload.data).
type Event struct {
	Event         string `json:"event"`
	ProjectID     string `json:"projectId"`
	KeyID         string `json:"keyId"`
	PayloadLength int    `json:"payloadLength"`
}

// envelope is the full queue payload dispatched to the webhook sink.
type envelope struct {
	PacketType string `json:"packetType"`
	Payload    struct {
		Event string `json:"event"`
		Data  Event  `json:"data"`
	} `json:"payload"`
}

// Queue batches usage events and periodically flushes them to an HTTP
// webhook with an HMAC signature, rate-limited the way a well-behaved
// outbound sink should be so a webhook outage cannot build unbounded send
// concurrency.
type Queue struct {
	url        string
	secret     []byte
	batchSize  int
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Registry
	logger     *zap.Logger

	mu     sync.Mutex
	events []Event
}

// New creates a Queue dispatching to url, signing with secret, sending at
// most ratePerSecond batches per second of up to batchSize events each.
func New(url, secret string, batchSize int, ratePerSecond float64, reg *metrics.Registry, logger *zap.Logger) *Queue {
	if batchSize <= 0 {
		batchSize = 50
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	return &Queue{
		url:        url,
		secret:     []byte(secret),
		batchSize:  batchSize,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		metrics:    reg,
		logger:     logger,
	}
}

// Emit satisfies broker.UsageEmitter: it enqueues an event for the next
// flush without blocking the broker actor.
func (q *Queue) Emit(event, projectID, keyID string, payloadLength int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, Event{Event: event, ProjectID: projectID, KeyID: keyID, PayloadLength: payloadLength})
}

// Run drains the queue in batches of batchSize every interval, until ctx
// is canceled. Intended to run as one long-lived goroutine per process.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.flush(ctx)
		}
	}
}

func (q *Queue) drainBatch() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return nil
	}
	n := q.batchSize
	if n > len(q.events) {
		n = len(q.events)
	}
	batch := q.events[:n]
	q.events = q.events[n:]
	return batch
}

func (q *Queue) flush(ctx context.Context) {
	for {
		batch := q.drainBatch()
		if len(batch) == 0 {
			return
		}
		if err := q.limiter.Wait(ctx); err != nil {
			return
		}
		for _, ev := range batch {
			if err := q.send(ctx, ev); err != nil {
				q.logger.Warn("usage webhook dispatch failed", zap.Error(err))
				if q.metrics != nil {
					q.metrics.WebhookErrors.Inc()
				}
				continue
			}
			if q.metrics != nil {
				q.metrics.WebhookDispatched.Inc()
			}
		}
	}
}

func (q *Queue) send(ctx context.Context, ev Event) error {
	var env envelope
	env.PacketType = "usage"
	env.Payload.Event = ev.Event
	env.Payload.Data = ev

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("usage: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("usage: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Erebus-Hmac", q.sign(body))

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("usage: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("usage: webhook responded %d", resp.StatusCode)
	}
	return nil
}

// sign computes the hex-encoded HMAC-SHA256 of body (spec §6: "X-Erebus-Hmac
// = HMAC-SHA256(secret, JSON(payload))").
func (q *Queue) sign(body []byte) string {
	mac := hmac.New(sha256.New, q.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
