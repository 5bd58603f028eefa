// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adiadia/agent-office/internal/domain"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func response(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("")),
		Header:     make(http.Header),
	}
}

func testFrames(seqs ...int64) []domain.LifecycleFrame {
	out := make([]domain.LifecycleFrame, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, domain.LifecycleFrame{
			Seq:   seq,
			Event: domain.LifecycleEvent{ID: "ev", Type: domain.LifecycleStart, RunID: "run-1"},
		})
	}
	return out
}

func newTestWebhook(secret string, queueSize int, rt roundTripFunc) *Webhook {
	return NewWebhook(Options{
		URL:        "http://webhook.local/frames",
		Secret:     secret,
		QueueSize:  queueSize,
		HTTPClient: &http.Client{Transport: rt},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		RetryBase:  time.Millisecond,
	})
}

func TestNewWebhookDisabledWithoutURL(t *testing.T) {
	w := NewWebhook(Options{URL: "  "})
	if w != nil {
		t.Fatal("expected nil webhook without url")
	}
	if w.Enqueue(testFrames(1)) {
		t.Fatal("expected nil webhook to refuse frames")
	}
	w.Run(context.Background())
}

func TestDeliverRetriesAndSigns(t *testing.T) {
	var attempts int32
	secret := "super-secret"

	w := newTestWebhook(secret, 4, func(r *http.Request) (*http.Response, error) {
		current := atomic.AddInt32(&attempts, 1)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if got, want := r.Header.Get(webhookHeaderSig), signPayload(secret, body); got != want {
			t.Fatalf("expected signature %q got %q", want, got)
		}

		var payload framesPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if len(payload.Frames) != 2 || payload.Frames[0].Seq != 7 || payload.Frames[1].Seq != 8 {
			t.Fatalf("unexpected frames %+v", payload.Frames)
		}

		if current < 3 {
			return response(http.StatusInternalServerError), nil
		}
		return response(http.StatusOK), nil
	})

	w.deliver(context.Background(), testFrames(7, 8))

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 webhook attempts got %d", got)
	}
}

func TestDeliverStopsAfterRetryLimit(t *testing.T) {
	var attempts int32
	w := newTestWebhook("", 4, func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		if r.Header.Get(webhookHeaderSig) != "" {
			t.Fatal("expected no signature without secret")
		}
		return response(http.StatusBadGateway), nil
	})

	w.deliver(context.Background(), testFrames(1))

	if got := atomic.LoadInt32(&attempts); got != webhookRetryAttempts {
		t.Fatalf("expected %d attempts got %d", webhookRetryAttempts, got)
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	w := newTestWebhook("", 1, func(r *http.Request) (*http.Response, error) {
		return response(http.StatusOK), nil
	})

	if w.Enqueue(nil) {
		t.Fatal("expected empty batch to be ignored")
	}
	if !w.Enqueue(testFrames(1)) {
		t.Fatal("expected first batch to be queued")
	}
	if w.Enqueue(testFrames(2)) {
		t.Fatal("expected second batch to be dropped while queue is full")
	}
}

func TestRunDeliversInOrder(t *testing.T) {
	seqs := make(chan int64, 8)
	w := newTestWebhook("", 8, func(r *http.Request) (*http.Response, error) {
		var payload framesPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		for _, f := range payload.Frames {
			seqs <- f.Seq
		}
		return response(http.StatusNoContent), nil
	})

	w.Enqueue(testFrames(1, 2))
	w.Enqueue(testFrames(3))

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	for want := int64(1); want <= 3; want++ {
		select {
		case got := <-seqs:
			if got != want {
				t.Fatalf("expected seq %d got %d", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for seq %d", want)
		}
	}

	cancel()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected run loop to stop after cancel")
	}
}
