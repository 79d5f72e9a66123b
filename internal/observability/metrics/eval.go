package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type evaluationKey struct {
	outcome string
}

type payoutKey struct {
	status string
}

type evaluationCollector struct {
	mu          sync.Mutex
	evaluations map[evaluationKey]uint64
	guardBlocks map[string]uint64
	payouts     map[payoutKey]uint64
	duration    *histogram
}

// Evaluation runs are bounded by the judge budget, so the buckets stretch
// further than the HTTP ones.
var evalBuckets = []float64{1, 5, 15, 30, 60, 120}

var evalCollector = &evaluationCollector{
	evaluations: make(map[evaluationKey]uint64),
	guardBlocks: make(map[string]uint64),
	payouts:     make(map[payoutKey]uint64),
	duration:    newHistogram(evalBuckets),
}

// ObserveEvaluation records the outcome of a finished submission evaluation.
func ObserveEvaluation(outcome string, duration time.Duration) {
	evalCollector.mu.Lock()
	defer evalCollector.mu.Unlock()

	evalCollector.evaluations[evaluationKey{outcome: outcome}]++
	evalCollector.duration.observe(duration.Seconds())
}

// ObserveGuardBlock records a submission blocked by the content guard.
func ObserveGuardBlock(layer string) {
	evalCollector.mu.Lock()
	defer evalCollector.mu.Unlock()

	evalCollector.guardBlocks[layer]++
}

// ObservePayout records a payout attempt result.
func ObservePayout(status string) {
	evalCollector.mu.Lock()
	defer evalCollector.mu.Unlock()

	evalCollector.payouts[payoutKey{status: status}]++
}

func (c *evaluationCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(512)

	outcomes := make([]string, 0, len(c.evaluations))
	for key := range c.evaluations {
		outcomes = append(outcomes, key.outcome)
	}
	sort.Strings(outcomes)

	builder.WriteString("# HELP openbounty_evaluations_total Total number of submission evaluations by outcome.\n")
	builder.WriteString("# TYPE openbounty_evaluations_total counter\n")
	for _, outcome := range outcomes {
		builder.WriteString(fmt.Sprintf("openbounty_evaluations_total{outcome=\"%s\"} %d\n",
			escape(outcome), c.evaluations[evaluationKey{outcome: outcome}]))
	}

	layers := make([]string, 0, len(c.guardBlocks))
	for layer := range c.guardBlocks {
		layers = append(layers, layer)
	}
	sort.Strings(layers)

	builder.WriteString("# HELP openbounty_guard_blocks_total Submissions rejected by the content guard.\n")
	builder.WriteString("# TYPE openbounty_guard_blocks_total counter\n")
	for _, layer := range layers {
		builder.WriteString(fmt.Sprintf("openbounty_guard_blocks_total{layer=\"%s\"} %d\n",
			escape(layer), c.guardBlocks[layer]))
	}

	statuses := make([]string, 0, len(c.payouts))
	for key := range c.payouts {
		statuses = append(statuses, key.status)
	}
	sort.Strings(statuses)

	builder.WriteString("# HELP openbounty_payouts_total Payout attempts by terminal status.\n")
	builder.WriteString("# TYPE openbounty_payouts_total counter\n")
	for _, status := range statuses {
		builder.WriteString(fmt.Sprintf("openbounty_payouts_total{status=\"%s\"} %d\n",
			escape(status), c.payouts[payoutKey{status: status}]))
	}

	builder.WriteString("# HELP openbounty_evaluation_duration_seconds Submission evaluation duration in seconds.\n")
	builder.WriteString("# TYPE openbounty_evaluation_duration_seconds histogram\n")
	for idx, bound := range c.duration.buckets {
		builder.WriteString(fmt.Sprintf("openbounty_evaluation_duration_seconds_bucket{le=\"%s\"} %d\n",
			formatFloat(bound), c.duration.counts[idx]))
	}
	builder.WriteString(fmt.Sprintf("openbounty_evaluation_duration_seconds_bucket{le=\"+Inf\"} %d\n", c.duration.count))
	builder.WriteString(fmt.Sprintf("openbounty_evaluation_duration_seconds_sum %s\n", formatFloat(c.duration.sum)))
	builder.WriteString(fmt.Sprintf("openbounty_evaluation_duration_seconds_count %d\n", c.duration.count))

	return builder.String()
}
