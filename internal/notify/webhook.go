// SPDX-License-Identifier: Apache-2.0

// Package notify forwards emitted lifecycle frames to an external webhook.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adiadia/agent-office/internal/domain"
	"github.com/adiadia/agent-office/internal/metrics"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond
	webhookHeaderSig     = "X-Signature"
	defaultQueueSize     = 64
	defaultTimeout       = 5 * time.Second
)

type framesPayload struct {
	Frames      []domain.LifecycleFrame `json:"frames"`
	DeliveredAt time.Time               `json:"delivered_at"`
}

type Options struct {
	URL        string
	Secret     string
	QueueSize  int
	HTTPClient *http.Client
	Logger     *slog.Logger
	// RetryBase overrides the first backoff delay, mainly for tests.
	RetryBase time.Duration
}

// Webhook delivers frame batches in order from a single goroutine. Enqueue
// never blocks: when the queue is full the batch is dropped.
type Webhook struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
	retryBase  time.Duration

	queue chan []domain.LifecycleFrame

	startOnce sync.Once
	done      chan struct{}
}

// NewWebhook returns nil when no URL is configured. A nil *Webhook is a
// valid no-op sink.
func NewWebhook(opts Options) *Webhook {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	base := opts.RetryBase
	if base <= 0 {
		base = webhookRetryBase
	}

	return &Webhook{
		url:        url,
		secret:     opts.Secret,
		httpClient: client,
		logger:     logger,
		retryBase:  base,
		queue:      make(chan []domain.LifecycleFrame, size),
		done:       make(chan struct{}),
	}
}

// Enqueue schedules frames for delivery. Empty batches are ignored.
func (w *Webhook) Enqueue(frames []domain.LifecycleFrame) bool {
	if w == nil || len(frames) == 0 {
		return false
	}

	select {
	case w.queue <- frames:
		return true
	default:
		metrics.IncWebhookDelivery(metrics.DeliveryDropped)
		w.logger.Warn("webhook queue full, dropping frames",
			"frames", len(frames),
			"first_seq", frames[0].Seq,
		)
		return false
	}
}

// Run delivers queued batches until ctx is canceled.
func (w *Webhook) Run(ctx context.Context) {
	if w == nil {
		return
	}
	w.startOnce.Do(func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case frames := <-w.queue:
				w.deliver(ctx, frames)
			}
		}
	})
}

// Done is closed once Run returns.
func (w *Webhook) Done() <-chan struct{} {
	return w.done
}

func (w *Webhook) deliver(ctx context.Context, frames []domain.LifecycleFrame) {
	body, err := json.Marshal(framesPayload{
		Frames:      frames,
		DeliveredAt: time.Now().UTC(),
	})
	if err != nil {
		w.logger.Error("webhook payload marshal failed", "error", err)
		metrics.IncWebhookDelivery(metrics.DeliveryFailure)
		return
	}

	signature := signPayload(w.secret, body)
	firstSeq := frames[0].Seq
	lastSeq := frames[len(frames)-1].Seq

	var lastErr error
	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			w.logger.Error("webhook request build failed",
				"attempt", attempt,
				"error", err,
			)
			break
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(webhookHeaderSig, signature)
		}

		resp, err := w.httpClient.Do(req)
		if err != nil {
			lastErr = err
			w.logger.Warn("webhook failure",
				"first_seq", firstSeq,
				"last_seq", lastSeq,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				metrics.IncWebhookDelivery(metrics.DeliverySuccess)
				w.logger.Debug("webhook delivered",
					"first_seq", firstSeq,
					"last_seq", lastSeq,
					"attempt", attempt,
				)
				return
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			w.logger.Warn("webhook failure",
				"first_seq", firstSeq,
				"last_seq", lastSeq,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < webhookRetryAttempts {
			wait := w.retryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				metrics.IncWebhookDelivery(metrics.DeliveryFailure)
				return
			case <-timer.C:
			}
		}
	}

	metrics.IncWebhookDelivery(metrics.DeliveryFailure)
	w.logger.Error("webhook retries exhausted",
		"first_seq", firstSeq,
		"last_seq", lastSeq,
		"error", lastErr,
	)
}

func signPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
