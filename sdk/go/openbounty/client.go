package openbounty

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the OpenBounty REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// JobRequest represents the payload required to post a new bounty job.
type JobRequest struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Rubric         string   `json:"rubric,omitempty"`
	PriceUSDC      string   `json:"price_usdc,omitempty"`
	PriceUnits     int64    `json:"price_units,omitempty"`
	PosterID       string   `json:"poster_id"`
	MaxRetries     int      `json:"max_retries,omitempty"`
	MaxSubmissions int      `json:"max_submissions,omitempty"`
	MinReputation  *float64 `json:"min_reputation,omitempty"`
	ExpiresAt      int64    `json:"expires_at,omitempty"`
}

// Job mirrors the job resource returned by the API.
type Job struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Rubric        string   `json:"rubric"`
	PriceUnits    int64    `json:"price_units"`
	PosterID      string   `json:"poster_id"`
	Status        string   `json:"status"`
	Participants  []string `json:"participants"`
	WinnerID      string   `json:"winner_id"`
	ExpiresAt     int64    `json:"expires_at"`
	DepositTxRef  string   `json:"deposit_tx_ref"`
	PayoutStatus  string   `json:"payout_status"`
	PayoutTxRef   string   `json:"payout_tx_ref"`
	RefundTxRef   string   `json:"refund_tx_ref"`
	CreatedAt     int64    `json:"created_at"`
	UpdatedAt     int64    `json:"updated_at"`
}

// Submission mirrors the submission resource returned by the API.
type Submission struct {
	ID        string `json:"id"`
	JobID     string `json:"job_id"`
	WorkerID  string `json:"worker_id"`
	Status    string `json:"status"`
	Score     *int   `json:"score"`
	Reason    string `json:"reason"`
	Attempt   int    `json:"attempt"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("openbounty api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openbounty api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the OpenBounty API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// CreateJob posts a new bounty job.
func (c *Client) CreateJob(ctx context.Context, req JobRequest) (Job, error) {
	var created Job
	if err := c.post(ctx, "/api/v1/jobs", req, &created); err != nil {
		return Job{}, err
	}
	return created, nil
}

// GetJob fetches a job by identifier.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var detail Job
	if err := c.get(ctx, "/api/v1/jobs/"+url.PathEscape(jobID), &detail); err != nil {
		return Job{}, err
	}
	return detail, nil
}

// ListJobs returns jobs matching the given query values, e.g. status=open.
func (c *Client) ListJobs(ctx context.Context, query url.Values) ([]Job, error) {
	endpoint := "/api/v1/jobs"
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var jobs []Job
	if err := c.get(ctx, endpoint, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// FundJob reports the escrow deposit transaction for a job.
func (c *Client) FundJob(ctx context.Context, jobID, txRef string) (Job, error) {
	var funded Job
	payload := map[string]string{"tx_ref": txRef}
	if err := c.post(ctx, c.jobAction(jobID, "fund"), payload, &funded); err != nil {
		return Job{}, err
	}
	return funded, nil
}

// ClaimJob registers a worker as a participant.
func (c *Client) ClaimJob(ctx context.Context, jobID, workerID string) error {
	payload := map[string]string{"worker_id": workerID}
	return c.post(ctx, c.jobAction(jobID, "claim"), payload, nil)
}

// UnclaimJob removes a worker from the participant set.
func (c *Client) UnclaimJob(ctx context.Context, jobID, workerID string) error {
	payload := map[string]string{"worker_id": workerID}
	return c.post(ctx, c.jobAction(jobID, "unclaim"), payload, nil)
}

// SubmitWork enqueues a worker submission for evaluation.
func (c *Client) SubmitWork(ctx context.Context, jobID, workerID, content string) (Submission, error) {
	var sub Submission
	payload := map[string]string{"worker_id": workerID, "content": content}
	if err := c.post(ctx, c.jobAction(jobID, "submit"), payload, &sub); err != nil {
		return Submission{}, err
	}
	return sub, nil
}

// CancelJob cancels an unfunded job, or a funded job with no submission
// under judging. Cancelling a funded job triggers an automatic refund.
func (c *Client) CancelJob(ctx context.Context, jobID, posterID string) error {
	payload := map[string]string{"poster_id": posterID}
	return c.post(ctx, c.jobAction(jobID, "cancel"), payload, nil)
}

// RefundJob returns the escrow deposit for an expired or cancelled job.
// Only the poster may request the refund.
func (c *Client) RefundJob(ctx context.Context, jobID, posterID string) error {
	payload := map[string]string{"poster_id": posterID}
	return c.post(ctx, c.jobAction(jobID, "refund"), payload, nil)
}

// RetryPayout retries a failed winner payout.
func (c *Client) RetryPayout(ctx context.Context, jobID string) error {
	return c.post(ctx, c.jobAction(jobID, "payout"), struct{}{}, nil)
}

// GetSubmission fetches a submission by identifier.
func (c *Client) GetSubmission(ctx context.Context, submissionID string) (Submission, error) {
	var sub Submission
	if err := c.get(ctx, "/api/v1/submissions/"+url.PathEscape(submissionID), &sub); err != nil {
		return Submission{}, err
	}
	return sub, nil
}

// ListSubmissions returns every submission for a job.
func (c *Client) ListSubmissions(ctx context.Context, jobID string) ([]Submission, error) {
	var subs []Submission
	if err := c.get(ctx, c.jobAction(jobID, "submissions"), &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// PollSubmission polls a submission until it leaves the pending/judging states
// or the context is cancelled.
func (c *Client) PollSubmission(ctx context.Context, submissionID string, interval time.Duration) (Submission, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sub, err := c.GetSubmission(ctx, submissionID)
		if err != nil {
			return Submission{}, err
		}
		if sub.Status != "pending" && sub.Status != "judging" {
			return sub, nil
		}
		select {
		case <-ctx.Done():
			return Submission{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) jobAction(jobID, action string) string {
	return "/api/v1/jobs/" + url.PathEscape(jobID) + "/" + action
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
