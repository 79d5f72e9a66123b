package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// recordNotifier 记录收到的事件，并可按配置返回错误。
type recordNotifier struct {
	mu     sync.Mutex
	name   string
	events []Event
	err    error
}

func (n *recordNotifier) Name() string { return n.name }

func (n *recordNotifier) Notify(_ context.Context, event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func TestFanoutDeliversToAllChannels(t *testing.T) {
	first := &recordNotifier{name: "first"}
	second := &recordNotifier{name: "second"}
	dispatcher := NewFanout(first, second, nil)

	event := Event{Kind: KindJobResolved, JobID: "job-1", WorkerID: "worker-1"}
	if err := dispatcher.Notify(context.Background(), event); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	for _, n := range []*recordNotifier{first, second} {
		n.mu.Lock()
		count := len(n.events)
		var got Event
		if count > 0 {
			got = n.events[0]
		}
		n.mu.Unlock()
		if count != 1 {
			t.Fatalf("channel %s events = %d, want 1", n.name, count)
		}
		if got.JobID != "job-1" || got.Kind != KindJobResolved {
			t.Fatalf("channel %s event = %+v", n.name, got)
		}
		if got.OccurredAt.IsZero() {
			t.Fatalf("channel %s event missing timestamp", n.name)
		}
	}
}

func TestFanoutCollectsChannelErrors(t *testing.T) {
	failing := &recordNotifier{name: "failing", err: errors.New("下游不可达")}
	healthy := &recordNotifier{name: "healthy"}
	dispatcher := NewFanout(failing, healthy)

	err := dispatcher.Notify(context.Background(), Event{Kind: KindPayoutFailed, JobID: "job-1"})
	if err == nil {
		t.Fatal("expected a joined error")
	}
	if !strings.Contains(err.Error(), "channel failing") {
		t.Fatalf("error should name the channel: %v", err)
	}

	// 一个渠道失败不妨碍其他渠道收到事件。
	healthy.mu.Lock()
	delivered := len(healthy.events)
	healthy.mu.Unlock()
	if delivered != 1 {
		t.Fatalf("healthy channel events = %d, want 1", delivered)
	}
}

func TestWebhookNotifierWithoutSenderSkips(t *testing.T) {
	n := &WebhookNotifier{}
	if err := n.Notify(context.Background(), Event{JobID: "job-1"}); err != nil {
		t.Fatalf("unconfigured webhook should be a no-op, got %v", err)
	}
}

func TestHTTPSenderPostsEvent(t *testing.T) {
	var received Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode event: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender, err := NewHTTPSender(server.URL, 0)
	if err != nil {
		t.Fatalf("NewHTTPSender: %v", err)
	}
	event := Event{Kind: KindJobFunded, JobID: "job-1", TxRef: "tx-1", Units: 5_000_000}
	if err := sender.Send(context.Background(), event); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if received.JobID != "job-1" || received.Kind != KindJobFunded || received.Units != 5_000_000 {
		t.Fatalf("received = %+v", received)
	}
}

func TestHTTPSenderRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	sender, err := NewHTTPSender(server.URL, 0)
	if err != nil {
		t.Fatalf("NewHTTPSender: %v", err)
	}
	if err := sender.Send(context.Background(), Event{JobID: "job-1"}); err == nil {
		t.Fatal("expected error for a 502 response")
	}
}

func TestNewHTTPSenderRequiresURL(t *testing.T) {
	if _, err := NewHTTPSender("  ", 0); err == nil {
		t.Fatal("expected error for a blank url")
	}
}
