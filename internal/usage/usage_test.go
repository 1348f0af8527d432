package usage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestEmitAndFlushSignsAndSendsBatch(t *testing.T) {
	var mu sync.Mutex
	var received []envelope
	secret := "s3cr3t"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))
		if r.Header.Get("X-Erebus-Hmac") != want {
			t.Errorf("X-Erebus-Hmac mismatch: got %q want %q", r.Header.Get("X-Erebus-Hmac"), want)
		}

		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			t.Errorf("Unmarshal: %v", err)
		}
		mu.Lock()
		received = append(received, env)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := New(srv.URL, secret, 10, 100, nil, zap.NewNop())
	q.Emit("websocket.connect", "proj", "key1", 0)
	q.Emit("websocket.message", "proj", "key1", 42)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q.flush(ctx)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("received %d events, want 2", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDrainBatchRespectsBatchSize(t *testing.T) {
	q := New("http://example.invalid", "s", 2, 100, nil, zap.NewNop())
	for i := 0; i < 5; i++ {
		q.Emit("websocket.message", "proj", "key1", i)
	}

	first := q.drainBatch()
	if len(first) != 2 {
		t.Fatalf("len(first) = %d, want 2", len(first))
	}
	second := q.drainBatch()
	if len(second) != 2 {
		t.Fatalf("len(second) = %d, want 2", len(second))
	}
	third := q.drainBatch()
	if len(third) != 1 {
		t.Fatalf("len(third) = %d, want 1", len(third))
	}
	if got := q.drainBatch(); got != nil {
		t.Fatalf("drainBatch() = %v, want nil once empty", got)
	}
}
