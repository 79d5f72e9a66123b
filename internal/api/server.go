package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "OpenBounty-Chain/internal/errors"
	"OpenBounty-Chain/internal/job"
	"OpenBounty-Chain/internal/observability/metrics"
)

// Server 负责暴露 REST 接口，供发布者与工作者驱动任务生命周期。
type Server struct {
	addr      string
	lifecycle *job.Lifecycle
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, lifecycle *job.Lifecycle) *Server {
	return &Server{addr: addr, lifecycle: lifecycle}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整的路由表，测试可以直接挂到 httptest 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/jobs", s.instrument("jobs", s.handleJobs))
	mux.HandleFunc("/api/v1/jobs/", s.instrument("job", s.handleJob))
	mux.HandleFunc("/api/v1/submissions/", s.instrument("submission", s.handleSubmission))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	}
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

type createJobRequest struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Rubric         string   `json:"rubric"`
	PriceUSDC      string   `json:"price_usdc"`
	PriceUnits     int64    `json:"price_units"`
	PosterID       string   `json:"poster_id"`
	MaxRetries     int      `json:"max_retries"`
	MaxSubmissions int      `json:"max_submissions"`
	MinReputation  *float64 `json:"min_reputation"`
	ExpiresAt      int64    `json:"expires_at"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	priceUnits := req.PriceUnits
	if strings.TrimSpace(req.PriceUSDC) != "" {
		parsed, err := job.ParseUSDC(req.PriceUSDC)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		priceUnits = parsed
	}

	created, err := s.lifecycle.Create(r.Context(), job.CreateJobRequest{
		Title:          req.Title,
		Description:    req.Description,
		Rubric:         req.Rubric,
		PriceUnits:     priceUnits,
		PosterID:       req.PosterID,
		MaxRetries:     req.MaxRetries,
		MaxSubmissions: req.MaxSubmissions,
		MinReputation:  req.MinReputation,
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var opts []job.ListOption
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, job.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, job.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]job.JobStatus, 0, 4)
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, job.JobStatus(strings.TrimSpace(part)))
		}
		opts = append(opts, job.WithStatuses(statuses...))
	}
	if poster := query.Get("poster"); poster != "" {
		opts = append(opts, job.WithPoster(poster))
	}
	if worker := query.Get("worker"); worker != "" {
		opts = append(opts, job.WithWorker(worker))
	}
	if order := query.Get("order"); strings.EqualFold(order, "asc") {
		opts = append(opts, job.WithSortOrder(job.SortByUpdatedAsc))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, job.WithQuery(q))
	}

	jobs, err := s.lifecycle.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleJob 处理 /api/v1/jobs/{id} 与其子资源。
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	jobID := parts[0]
	if jobID == "" {
		http.Error(w, "缺少任务 ID", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		j, err := s.lifecycle.Get(r.Context(), jobID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, j)
		return
	}

	action := parts[1]
	if action == "submissions" {
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		subs, err := s.lifecycle.ListSubmissions(r.Context(), jobID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, subs)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		TxRef    string `json:"tx_ref"`
		WorkerID string `json:"worker_id"`
		PosterID string `json:"poster_id"`
		Content  string `json:"content"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()
	switch action {
	case "fund":
		j, err := s.lifecycle.Fund(ctx, jobID, body.TxRef)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, j)
	case "claim":
		if err := s.lifecycle.Claim(ctx, jobID, body.WorkerID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "claimed"})
	case "unclaim":
		if err := s.lifecycle.Unclaim(ctx, jobID, body.WorkerID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "unclaimed"})
	case "submit":
		sub, err := s.lifecycle.Submit(ctx, jobID, body.WorkerID, body.Content)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, sub)
	case "cancel":
		if err := s.lifecycle.Cancel(ctx, jobID, body.PosterID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case "refund":
		txRef, err := s.lifecycle.Refund(ctx, jobID, body.PosterID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "refunded", "tx_ref": txRef})
	case "payout":
		if err := s.lifecycle.RetryPayout(ctx, jobID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "payout retried"})
	default:
		http.Error(w, "未知的操作: "+action, http.StatusNotFound)
	}
}

func (s *Server) handleSubmission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	submissionID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/submissions/"), "/")
	if submissionID == "" {
		http.Error(w, "缺少提交 ID", http.StatusBadRequest)
		return
	}
	sub, err := s.lifecycle.GetSubmission(r.Context(), submissionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 根据统一错误码映射 HTTP 状态。
func writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  string(xerrors.CodeOf(err)),
	})
}

func statusForError(err error) int {
	switch {
	case stdErrors.Is(err, job.ErrJobNotFound), stdErrors.Is(err, job.ErrSubmissionNotFound):
		return http.StatusNotFound
	case stdErrors.Is(err, job.ErrContentTooLarge):
		return http.StatusRequestEntityTooLarge
	case stdErrors.Is(err, job.ErrSelfDealing), stdErrors.Is(err, job.ErrReputationTooLow):
		return http.StatusForbidden
	}

	switch xerrors.CodeOf(err) {
	case job.CodeJobValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case job.CodeJobStateConflict, job.CodeDepositDuplicate, job.CodeRefundDuplicate,
		job.CodeRetryLimit, job.CodeSubmissionCap, xerrors.CodeConflict:
		return http.StatusConflict
	case job.CodeDepositInvalid:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
