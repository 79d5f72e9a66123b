package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenBounty-Chain/sdk/go/openbounty"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			_ = json.NewEncoder(w).Encode(openbounty.Job{
				ID:         "job-demo",
				Title:      "Summarize the attached report",
				PriceUnits: 5_000_000,
				Status:     "open",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/jobs/job-demo/fund", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(openbounty.Job{ID: "job-demo", Status: "funded"})
	})
	mux.HandleFunc("/api/v1/jobs/job-demo/claim", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "claimed"})
	})
	mux.HandleFunc("/api/v1/jobs/job-demo/submit", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(openbounty.Submission{ID: "sub-demo", JobID: "job-demo", Status: "pending"})
	})
	mux.HandleFunc("/api/v1/submissions/sub-demo", func(w http.ResponseWriter, _ *http.Request) {
		score := 91
		_ = json.NewEncoder(w).Encode(openbounty.Submission{
			ID:     "sub-demo",
			JobID:  "job-demo",
			Status: "passed",
			Score:  &score,
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := openbounty.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	created, err := client.CreateJob(ctx, openbounty.JobRequest{
		Title:       "Summarize the attached report",
		Description: "Produce a one-page summary covering the key findings.",
		PriceUSDC:   "5.00",
		PosterID:    "poster-demo",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created job %s (status=%s)\n", created.ID, created.Status)

	funded, err := client.FundJob(ctx, created.ID, "0xdeadbeef")
	if err != nil {
		panic(err)
	}
	fmt.Printf("job funded (status=%s)\n", funded.Status)

	if err := client.ClaimJob(ctx, created.ID, "worker-demo"); err != nil {
		panic(err)
	}

	sub, err := client.SubmitWork(ctx, created.ID, "worker-demo", "The report shows ...")
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted work %s (status=%s)\n", sub.ID, sub.Status)

	final, err := client.PollSubmission(ctx, sub.ID, time.Second)
	if err != nil {
		panic(err)
	}
	fmt.Printf("submission finished: status=%s score=%v\n", final.Status, final.Score)
}
