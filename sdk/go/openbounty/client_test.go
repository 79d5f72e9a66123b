package openbounty

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(server.URL, server.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestCreateJob(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/jobs" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req JobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Title != "Parse logs" || req.PriceUSDC != "25" {
			t.Errorf("unexpected payload: %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Job{ID: "job-1", Title: req.Title, Status: "open", PriceUnits: 25_000_000})
	})

	created, err := client.CreateJob(context.Background(), JobRequest{
		Title:       "Parse logs",
		Description: "Extract error lines",
		PriceUSDC:   "25",
		PosterID:    "poster-1",
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if created.ID != "job-1" || created.PriceUnits != 25_000_000 {
		t.Fatalf("unexpected job: %+v", created)
	}
}

func TestListJobsPreservesQuery(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("status"); got != "funded" {
			t.Errorf("status query = %q, want funded", got)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("limit query = %q, want 5", got)
		}
		_ = json.NewEncoder(w).Encode([]Job{{ID: "job-1", Status: "funded"}})
	})

	query := url.Values{}
	query.Set("status", "funded")
	query.Set("limit", "5")
	jobs, err := client.ListJobs(context.Background(), query)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-1" {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
}

func TestJobActionsEscapeIdentifiers(t *testing.T) {
	var seenPath string
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.EscapedPath()
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "claimed"})
	})

	if err := client.ClaimJob(context.Background(), "job 1", "worker-1"); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if seenPath != "/api/v1/jobs/job%201/claim" {
		t.Fatalf("path = %q", seenPath)
	}
}

func TestSubmitWork(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/jobs/job-1/submit" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["worker_id"] != "worker-1" || payload["content"] == "" {
			t.Errorf("unexpected payload: %v", payload)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Submission{ID: "sub-1", JobID: "job-1", Status: "pending"})
	})

	sub, err := client.SubmitWork(context.Background(), "job-1", "worker-1", "the deliverable")
	if err != nil {
		t.Fatalf("SubmitWork: %v", err)
	}
	if sub.ID != "sub-1" || sub.Status != "pending" {
		t.Fatalf("unexpected submission: %+v", sub)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error": "worker already claimed this job", "code": "JOB_STATE_CONFLICT"}`))
	})

	err := client.ClaimJob(context.Background(), "job-1", "worker-1")
	if err == nil {
		t.Fatal("expected an API error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T", err)
	}
	if apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", apiErr.StatusCode)
	}
	if apiErr.Code != "JOB_STATE_CONFLICT" {
		t.Fatalf("code = %q", apiErr.Code)
	}
	if apiErr.Message != "worker already claimed this job" {
		t.Fatalf("message = %q", apiErr.Message)
	}
}

func TestAPIErrorPlainTextBody(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
	})

	err := client.RefundJob(context.Background(), "job-1", "poster-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T", err)
	}
	if apiErr.Message != "仅支持 POST" {
		t.Fatalf("message = %q", apiErr.Message)
	}
}

func TestPollSubmissionWaitsForTerminalState(t *testing.T) {
	var calls atomic.Int64
	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		status := "judging"
		if n >= 3 {
			status = "passed"
		}
		score := 92
		_ = json.NewEncoder(w).Encode(Submission{ID: "sub-1", Status: status, Score: &score})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := client.PollSubmission(ctx, "sub-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("PollSubmission: %v", err)
	}
	if sub.Status != "passed" {
		t.Fatalf("status = %q, want passed", sub.Status)
	}
	if calls.Load() < 3 {
		t.Fatalf("calls = %d, want at least 3", calls.Load())
	}
}

func TestPollSubmissionHonorsContext(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(Submission{ID: "sub-1", Status: "judging"})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.PollSubmission(ctx, "sub-1", 10*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("://bad", nil); err == nil {
		t.Fatal("expected error for an invalid base url")
	}
}
