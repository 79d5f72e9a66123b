package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"OpenBounty-Chain/internal/job"
	"OpenBounty-Chain/internal/settlement"
)

// stubDirectory 为任意工作者返回固定钱包，忽略统计。
type stubDirectory struct {
	mu sync.Mutex
}

func (d *stubDirectory) CompletionRate(context.Context, string) (float64, bool, error) {
	return 0, false, nil
}

func (d *stubDirectory) WalletAddress(_ context.Context, agentID string) (string, error) {
	return "0x" + agentID, nil
}

func (d *stubDirectory) RecordOutcome(context.Context, string, bool, int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return nil
}

type apiEnv struct {
	server  *httptest.Server
	gateway *settlement.MemoryGateway
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	store := job.NewMemoryStore()
	queue := job.NewMemoryQueue(16)
	gateway := settlement.NewMemoryGateway(1)
	lc := job.NewLifecycle(store, queue, gateway, &stubDirectory{}, nil, job.LifecycleConfig{
		MinPriceUnits:         1_000_000,
		DefaultMaxRetries:     3,
		DefaultMaxSubmissions: 10,
		DefaultTTL:            time.Hour,
	})
	t.Cleanup(func() { _ = lc.Close() })

	server := httptest.NewServer(NewServer(":0", lc).Handler())
	t.Cleanup(server.Close)
	return &apiEnv{server: server, gateway: gateway}
}

func (e *apiEnv) post(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	resp, err := http.Post(e.server.URL+path, "application/json", &body)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func (e *apiEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func (e *apiEnv) createJob(t *testing.T) *job.Job {
	t.Helper()
	resp, body := e.post(t, "/api/v1/jobs", map[string]any{
		"title":       "写一个解析器",
		"description": "解析 CSV 并输出 JSON",
		"price_usdc":  "5",
		"poster_id":   "poster-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", resp.StatusCode, body)
	}
	var created job.Job
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return &created
}

func (e *apiEnv) fundJob(t *testing.T, jobID, txRef string) {
	t.Helper()
	e.gateway.SeedDeposit(settlement.Deposit{TxRef: txRef, Sender: "0xposter", Units: 5_000_000, Confirmations: 3})
	resp, body := e.post(t, "/api/v1/jobs/"+jobID+"/fund", map[string]string{"tx_ref": txRef})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fund status = %d: %s", resp.StatusCode, body)
	}
}

func TestCreateJobParsesUSDCPrice(t *testing.T) {
	env := newAPIEnv(t)
	created := env.createJob(t)
	if created.PriceUnits != 5_000_000 {
		t.Fatalf("price units = %d, want 5000000", created.PriceUnits)
	}
	if created.Status != job.JobStatusOpen {
		t.Fatalf("status = %s, want open", created.Status)
	}
	if created.ID == "" {
		t.Fatal("created job has no id")
	}
}

func TestCreateJobValidationError(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.post(t, "/api/v1/jobs", map[string]any{
		"title":     "",
		"poster_id": "poster-1",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", resp.StatusCode, body)
	}
	var errBody map[string]string
	if err := json.Unmarshal(body, &errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["code"] == "" || errBody["error"] == "" {
		t.Fatalf("error body missing fields: %s", body)
	}
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	created := env.createJob(t)
	env.fundJob(t, created.ID, "tx-1")

	resp, body := env.post(t, "/api/v1/jobs/"+created.ID+"/claim", map[string]string{"worker_id": "worker-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim status = %d: %s", resp.StatusCode, body)
	}

	resp, body = env.post(t, "/api/v1/jobs/"+created.ID+"/submit", map[string]string{
		"worker_id": "worker-1",
		"content":   "解析器实现。",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d: %s", resp.StatusCode, body)
	}
	var sub job.Submission
	if err := json.Unmarshal(body, &sub); err != nil {
		t.Fatalf("decode submission: %v", err)
	}
	if sub.Status != job.SubmissionPending {
		t.Fatalf("submission status = %s, want pending", sub.Status)
	}

	resp, body = env.get(t, "/api/v1/submissions/"+sub.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get submission status = %d: %s", resp.StatusCode, body)
	}

	resp, body = env.get(t, "/api/v1/jobs/"+created.ID+"/submissions")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list submissions status = %d: %s", resp.StatusCode, body)
	}
	var subs []*job.Submission
	if err := json.Unmarshal(body, &subs); err != nil {
		t.Fatalf("decode submissions: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("submissions = %d, want 1", len(subs))
	}

	resp, body = env.get(t, "/api/v1/jobs/"+created.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get job status = %d: %s", resp.StatusCode, body)
	}
	var fetched job.Job
	if err := json.Unmarshal(body, &fetched); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if fetched.Status != job.JobStatusFunded {
		t.Fatalf("job status = %s, want funded", fetched.Status)
	}
}

func TestListJobsFilters(t *testing.T) {
	env := newAPIEnv(t)
	created := env.createJob(t)
	env.fundJob(t, created.ID, "tx-filter")

	resp, body := env.get(t, "/api/v1/jobs?status=funded&poster=poster-1&limit=10")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d: %s", resp.StatusCode, body)
	}
	var jobs []*job.Job
	if err := json.Unmarshal(body, &jobs); err != nil {
		t.Fatalf("decode jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != created.ID {
		t.Fatalf("unexpected list result: %s", body)
	}

	resp, body = env.get(t, "/api/v1/jobs?status=open")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &jobs); err != nil {
		t.Fatalf("decode jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("open jobs = %d, want 0", len(jobs))
	}
}

func TestErrorStatusMapping(t *testing.T) {
	env := newAPIEnv(t)
	created := env.createJob(t)
	env.fundJob(t, created.ID, "tx-errs")

	// 未知任务。
	resp, _ := env.get(t, "/api/v1/jobs/does-not-exist")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status = %d, want 404", resp.StatusCode)
	}

	// 发布者认领自己的任务。
	resp, body := env.post(t, "/api/v1/jobs/"+created.ID+"/claim", map[string]string{"worker_id": "poster-1"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("self claim status = %d, want 403: %s", resp.StatusCode, body)
	}

	// 重复认领。
	if resp, _ = env.post(t, "/api/v1/jobs/"+created.ID+"/claim", map[string]string{"worker_id": "worker-1"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("claim failed: %d", resp.StatusCode)
	}
	resp, body = env.post(t, "/api/v1/jobs/"+created.ID+"/claim", map[string]string{"worker_id": "worker-1"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate claim status = %d, want 409: %s", resp.StatusCode, body)
	}

	// 超大提交内容。
	resp, body = env.post(t, "/api/v1/jobs/"+created.ID+"/submit", map[string]string{
		"worker_id": "worker-1",
		"content":   strings.Repeat("x", job.MaxContentBytes+1),
	})
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized submit status = %d, want 413: %s", resp.StatusCode, body)
	}

	// 存款不可用。
	resp, body = env.post(t, "/api/v1/jobs/"+created.ID+"/fund", map[string]string{"tx_ref": "tx-unknown"})
	if resp.StatusCode != http.StatusConflict {
		// funded 状态下再注资属于状态冲突。
		t.Fatalf("refund status = %d, want 409: %s", resp.StatusCode, body)
	}

	// 未注资任务退款。
	second := env.createJob(t)
	resp, body = env.post(t, "/api/v1/jobs/"+second.ID+"/refund", map[string]string{"poster_id": "poster-1"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("refund open job status = %d, want 409: %s", resp.StatusCode, body)
	}

	// 未知存款引用。
	resp, body = env.post(t, "/api/v1/jobs/"+second.ID+"/fund", map[string]string{"tx_ref": "tx-unknown"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("bad deposit status = %d, want 422: %s", resp.StatusCode, body)
	}
}

func TestCancelAndRefundOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	created := env.createJob(t)
	env.fundJob(t, created.ID, "tx-cancel")

	// 非发布者不能取消。
	resp, body := env.post(t, "/api/v1/jobs/"+created.ID+"/cancel", map[string]string{"poster_id": "mallory"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("stranger cancel status = %d, want 400: %s", resp.StatusCode, body)
	}

	// 非发布者不能发起退款。
	resp, body = env.post(t, "/api/v1/jobs/"+created.ID+"/refund", map[string]string{"poster_id": "mallory"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("stranger refund status = %d, want 400: %s", resp.StatusCode, body)
	}

	// 发布者取消已注资任务，退款自动完成。
	resp, body = env.post(t, "/api/v1/jobs/"+created.ID+"/cancel", map[string]string{"poster_id": "poster-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", resp.StatusCode, body)
	}

	resp, body = env.get(t, "/api/v1/jobs/"+created.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d: %s", resp.StatusCode, body)
	}
	var cancelled job.Job
	if err := json.Unmarshal(body, &cancelled); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if cancelled.Status != job.JobStatusCancelled || cancelled.RefundTxRef == "" {
		t.Fatalf("expected cancelled job with recorded refund: %s", body)
	}

	// 再次退款被幂等保护拦下，不会二次打款。
	resp, body = env.post(t, "/api/v1/jobs/"+created.ID+"/refund", map[string]string{"poster_id": "poster-1"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second refund status = %d, want 409: %s", resp.StatusCode, body)
	}

	if len(env.gateway.Transfers()) != 1 {
		t.Fatalf("transfers = %d, want 1", len(env.gateway.Transfers()))
	}
}

func TestHealthz(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newAPIEnv(t)
	req, err := http.NewRequest(http.MethodDelete, env.server.URL+"/api/v1/jobs", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /jobs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}
