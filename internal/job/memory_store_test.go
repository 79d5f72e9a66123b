package job

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "OpenBounty-Chain/internal/errors"
)

func newFundedJob(t *testing.T, store *MemoryStore, id string, workers ...string) *Job {
	t.Helper()
	ctx := context.Background()
	j := &Job{
		ID:             id,
		Title:          "title-" + id,
		Description:    "desc",
		PriceUnits:     5_000_000,
		PosterID:       "poster-1",
		MaxRetries:     3,
		MaxSubmissions: 10,
		ExpiresAt:      time.Now().Add(time.Hour).Unix(),
	}
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("create job %s: %v", id, err)
	}
	if err := store.MarkFunded(ctx, id, "tx-"+id, "0xsender", j.PriceUnits); err != nil {
		t.Fatalf("fund job %s: %v", id, err)
	}
	for _, w := range workers {
		if err := store.AddParticipant(ctx, id, w); err != nil {
			t.Fatalf("add participant %s: %v", w, err)
		}
	}
	return j
}

func TestMemoryStoreDepositRefUniqueness(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"j1", "j2"} {
		if err := store.CreateJob(ctx, &Job{ID: id, Title: id, Description: "d", PriceUnits: 1, PosterID: "p"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	if err := store.MarkFunded(ctx, "j1", "tx-shared", "0xa", 100); err != nil {
		t.Fatalf("fund j1: %v", err)
	}
	if err := store.MarkFunded(ctx, "j2", "tx-shared", "0xa", 100); !errors.Is(err, ErrDuplicateDeposit) {
		t.Fatalf("expected ErrDuplicateDeposit, got %v", err)
	}
	if err := store.MarkFunded(ctx, "j1", "tx-other", "0xa", 100); !errors.Is(err, ErrNotFundable) {
		t.Fatalf("expected ErrNotFundable for funded job, got %v", err)
	}
}

func TestMemoryStoreSubmissionCaps(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	j := &Job{
		ID: "j1", Title: "t", Description: "d", PriceUnits: 1, PosterID: "p",
		MaxRetries: 2, MaxSubmissions: 3,
	}
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkFunded(ctx, "j1", "tx-1", "0xa", 1); err != nil {
		t.Fatalf("fund: %v", err)
	}
	for _, w := range []string{"w1", "w2"} {
		if err := store.AddParticipant(ctx, "j1", w); err != nil {
			t.Fatalf("claim %s: %v", w, err)
		}
	}

	for i, id := range []string{"s1", "s2"} {
		sub := &Submission{ID: id, JobID: "j1", WorkerID: "w1", Content: "c"}
		if err := store.CreateSubmission(ctx, sub); err != nil {
			t.Fatalf("submission %s: %v", id, err)
		}
		if sub.Attempt != i+1 {
			t.Fatalf("expected attempt %d, got %d", i+1, sub.Attempt)
		}
	}

	// w1 has exhausted its per-worker retries.
	err := store.CreateSubmission(ctx, &Submission{ID: "s3", JobID: "j1", WorkerID: "w1", Content: "c"})
	if !errors.Is(err, ErrRetryLimitExceeded) {
		t.Fatalf("expected ErrRetryLimitExceeded, got %v", err)
	}

	if err := store.CreateSubmission(ctx, &Submission{ID: "s4", JobID: "j1", WorkerID: "w2", Content: "c"}); err != nil {
		t.Fatalf("submission s4: %v", err)
	}
	// job level cap is 3, the fourth submission is rejected.
	err = store.CreateSubmission(ctx, &Submission{ID: "s5", JobID: "j1", WorkerID: "w2", Content: "c"})
	if !errors.Is(err, ErrSubmissionCapExceeded) {
		t.Fatalf("expected ErrSubmissionCapExceeded, got %v", err)
	}
}

func TestMemoryStoreClaimSubmissionTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newFundedJob(t, store, "j1", "w1")

	sub := &Submission{ID: "s1", JobID: "j1", WorkerID: "w1", Content: "c"}
	if err := store.CreateSubmission(ctx, sub); err != nil {
		t.Fatalf("create submission: %v", err)
	}

	claimed, err := store.ClaimSubmission(ctx, "s1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != SubmissionJudging {
		t.Fatalf("expected judging, got %s", claimed.Status)
	}

	if _, err := store.ClaimSubmission(ctx, "s1"); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict on double claim, got %v", err)
	}

	score := 40
	if err := store.FailSubmission(ctx, "s1", Verdict{Score: &score, Reason: "insufficient"}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := store.FailSubmission(ctx, "s1", Verdict{Reason: "late"}); !errors.Is(err, ErrSubmissionFinalized) {
		t.Fatalf("expected ErrSubmissionFinalized, got %v", err)
	}

	final, err := store.GetSubmission(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != SubmissionFailed || final.Score == nil || *final.Score != 40 || final.Reason != "insufficient" {
		t.Fatalf("late verdict must not overwrite the first one: %+v", final)
	}
}

func TestMemoryStoreResolveFirstPastThePost(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newFundedJob(t, store, "j1", "w1", "w2")

	for _, s := range []struct{ id, worker string }{{"s1", "w1"}, {"s2", "w2"}} {
		if err := store.CreateSubmission(ctx, &Submission{ID: s.id, JobID: "j1", WorkerID: s.worker, Content: "c"}); err != nil {
			t.Fatalf("create %s: %v", s.id, err)
		}
		if _, err := store.ClaimSubmission(ctx, s.id); err != nil {
			t.Fatalf("claim %s: %v", s.id, err)
		}
	}

	score := 92
	if err := store.ResolveJob(ctx, "j1", "s1", Verdict{Score: &score, Reason: "great"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	j, err := store.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.Status != JobStatusResolved || j.WinnerID != "w1" || j.PayoutStatus != PayoutPending {
		t.Fatalf("unexpected job after resolve: %+v", j)
	}

	// the losing judging submission is closed in the same transition
	s2, err := store.GetSubmission(ctx, "s2")
	if err != nil {
		t.Fatalf("get s2: %v", err)
	}
	if s2.Status != SubmissionFailed || s2.Reason != "job resolved by another submission" {
		t.Fatalf("expected s2 failed by resolve, got %+v", s2)
	}

	if err := store.ResolveJob(ctx, "j1", "s2", Verdict{Score: &score}); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestMemoryStoreExpireAndRefund(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	j := &Job{
		ID: "j1", Title: "t", Description: "d", PriceUnits: 100, PosterID: "p",
		MaxRetries: 3, MaxSubmissions: 10,
		ExpiresAt: time.Now().Add(-time.Minute).Unix(),
	}
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkFunded(ctx, "j1", "tx-1", "0xposter", 100); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := store.AddParticipant(ctx, "j1", "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.CreateSubmission(ctx, &Submission{ID: "s1", JobID: "j1", WorkerID: "w1", Content: "c"}); err != nil {
		t.Fatalf("submission: %v", err)
	}

	if err := store.MarkExpired(ctx, "j1", time.Now().Unix()); err != nil {
		t.Fatalf("expire: %v", err)
	}
	sub, err := store.GetSubmission(ctx, "s1")
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if sub.Status != SubmissionFailed || sub.Reason != "job expired before evaluation finished" {
		t.Fatalf("expected open submission closed by expiry, got %+v", sub)
	}

	if err := store.MarkRefunded(ctx, "j1", "refund-1"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if err := store.MarkRefunded(ctx, "j1", "refund-2"); !errors.Is(err, ErrAlreadyRefunded) {
		t.Fatalf("expected ErrAlreadyRefunded, got %v", err)
	}
	got, _ := store.GetJob(ctx, "j1")
	if got.RefundTxRef != "refund-1" {
		t.Fatalf("refund ref must not change, got %s", got.RefundTxRef)
	}
}

func TestMemoryStoreCancelRules(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.CreateJob(ctx, &Job{ID: "open", Title: "t", Description: "d", PriceUnits: 1, PosterID: "p"}); err != nil {
		t.Fatalf("create open: %v", err)
	}
	if err := store.MarkCancelled(ctx, "open"); err != nil {
		t.Fatalf("cancel open: %v", err)
	}

	// 评审中的提交阻止取消。
	newFundedJob(t, store, "busy", "w1")
	if err := store.CreateSubmission(ctx, &Submission{ID: "s1", JobID: "busy", WorkerID: "w1", Content: "c"}); err != nil {
		t.Fatalf("submission: %v", err)
	}
	if _, err := store.ClaimSubmission(ctx, "s1"); err != nil {
		t.Fatalf("claim submission: %v", err)
	}
	if err := store.MarkCancelled(ctx, "busy"); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}

	// pending 提交不阻止取消，随任务一起关闭。
	newFundedJob(t, store, "waiting", "w1")
	if err := store.CreateSubmission(ctx, &Submission{ID: "s2", JobID: "waiting", WorkerID: "w1", Content: "c"}); err != nil {
		t.Fatalf("submission: %v", err)
	}
	if err := store.MarkCancelled(ctx, "waiting"); err != nil {
		t.Fatalf("cancel with pending submission: %v", err)
	}
	closed, err := store.GetSubmission(ctx, "s2")
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if closed.Status != SubmissionFailed {
		t.Fatalf("pending submission status = %s, want failed", closed.Status)
	}

	// 已终结的提交不阻止取消。
	newFundedJob(t, store, "settled", "w1")
	if err := store.CreateSubmission(ctx, &Submission{ID: "s3", JobID: "settled", WorkerID: "w1", Content: "c"}); err != nil {
		t.Fatalf("submission: %v", err)
	}
	if _, err := store.ClaimSubmission(ctx, "s3"); err != nil {
		t.Fatalf("claim submission: %v", err)
	}
	if err := store.FailSubmission(ctx, "s3", Verdict{Reason: "not good enough"}); err != nil {
		t.Fatalf("fail submission: %v", err)
	}
	if err := store.MarkCancelled(ctx, "settled"); err != nil {
		t.Fatalf("cancel with terminal submission: %v", err)
	}

	newFundedJob(t, store, "idle")
	if err := store.MarkCancelled(ctx, "idle"); err != nil {
		t.Fatalf("cancel funded without submissions: %v", err)
	}
}

func TestMemoryStoreUnclaimBlockedByJudging(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newFundedJob(t, store, "j1", "w1")

	if err := store.CreateSubmission(ctx, &Submission{ID: "s1", JobID: "j1", WorkerID: "w1", Content: "c"}); err != nil {
		t.Fatalf("submission: %v", err)
	}
	if err := store.RemoveParticipant(ctx, "j1", "w1"); !errors.Is(err, ErrWorkerJudging) {
		t.Fatalf("expected ErrWorkerJudging while pending, got %v", err)
	}
	if _, err := store.ClaimSubmission(ctx, "s1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.FailSubmission(ctx, "s1", Verdict{Reason: "nope"}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := store.RemoveParticipant(ctx, "j1", "w1"); err != nil {
		t.Fatalf("unclaim after terminal submission: %v", err)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	jobs := []*Job{
		{ID: "a", Title: "translate menu", Description: "d", PriceUnits: 1, PosterID: "alice"},
		{ID: "b", Title: "scrape prices", Description: "d", PriceUnits: 1, PosterID: "bob"},
		{ID: "c", Title: "summarize report", Description: "d", PriceUnits: 1, PosterID: "alice"},
	}
	for _, j := range jobs {
		if err := store.CreateJob(ctx, j); err != nil {
			t.Fatalf("create %s: %v", j.ID, err)
		}
	}
	if err := store.MarkFunded(ctx, "b", "tx-b", "0xa", 1); err != nil {
		t.Fatalf("fund b: %v", err)
	}

	base := time.Now().Add(-time.Minute).Unix()
	store.mu.Lock()
	store.jobs["a"].UpdatedAt = base
	store.jobs["b"].UpdatedAt = base + 10
	store.jobs["c"].UpdatedAt = base + 20
	store.mu.Unlock()

	all, err := store.ListJobs(ctx, BuildListOptions(nil))
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	funded, err := store.ListJobs(ctx, BuildListOptions([]ListOption{WithStatuses(JobStatusFunded)}))
	if err != nil {
		t.Fatalf("list funded: %v", err)
	}
	if len(funded) != 1 || funded[0].ID != "b" {
		t.Fatalf("unexpected funded list: %+v", funded)
	}

	byPoster, err := store.ListJobs(ctx, BuildListOptions([]ListOption{WithPoster("alice")}))
	if err != nil {
		t.Fatalf("list poster: %v", err)
	}
	if len(byPoster) != 2 {
		t.Fatalf("expected 2 jobs for alice, got %d", len(byPoster))
	}

	byQuery, err := store.ListJobs(ctx, BuildListOptions([]ListOption{WithQuery("summarize")}))
	if err != nil {
		t.Fatalf("list query: %v", err)
	}
	if len(byQuery) != 1 || byQuery[0].ID != "c" {
		t.Fatalf("unexpected query list: %+v", byQuery)
	}

	asc, err := store.ListJobs(ctx, BuildListOptions([]ListOption{WithSortOrder(SortByUpdatedAsc), WithLimit(2)}))
	if err != nil {
		t.Fatalf("list asc: %v", err)
	}
	if len(asc) != 2 || asc[0].ID != "a" || asc[1].ID != "b" {
		t.Fatalf("unexpected asc list: %+v", asc)
	}
}
