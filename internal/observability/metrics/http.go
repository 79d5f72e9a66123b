package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// The collectors render Prometheus text exposition format by hand. Pulling in
// a client library for three counters and two histograms is not worth the
// dependency weight on a settlement daemon.

type requestKey struct {
	handler string
	method  string
	code    string
}

type handlerKey struct {
	handler string
	method  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{buckets: buckets, counts: make([]uint64, len(buckets))}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// Above the last bound only the implicit +Inf bucket (h.count) moves.
}

func (h *histogram) snapshot() histogram {
	return histogram{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

// writeHistogram emits the _bucket/_sum/_count series for one label set.
func writeHistogram(builder *strings.Builder, name, labels string, h histogram) {
	for idx, bound := range h.buckets {
		fmt.Fprintf(builder, "%s_bucket{%s,le=\"%s\"} %d\n", name, labels, formatFloat(bound), h.counts[idx])
	}
	fmt.Fprintf(builder, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.count)
	fmt.Fprintf(builder, "%s_sum{%s} %s\n", name, labels, formatFloat(h.sum))
	fmt.Fprintf(builder, "%s_count{%s} %d\n", name, labels, h.count)
}

type httpStats struct {
	mu       sync.Mutex
	requests map[requestKey]uint64
	errors   map[handlerKey]uint64
	latency  map[handlerKey]*histogram
}

var httpCollector = &httpStats{
	requests: make(map[requestKey]uint64),
	errors:   make(map[handlerKey]uint64),
	latency:  make(map[handlerKey]*histogram),
}

var httpBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// ObserveHTTPRequest records one handled HTTP request.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpCollector.mu.Lock()
	defer httpCollector.mu.Unlock()

	httpCollector.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	if status >= 500 {
		httpCollector.errors[handlerKey{handler: handler, method: method}]++
	}

	key := handlerKey{handler: handler, method: method}
	hist := httpCollector.latency[key]
	if hist == nil {
		hist = newHistogram(httpBuckets)
		httpCollector.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

// Handler exposes every collector in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, httpCollector.render())
		_, _ = fmt.Fprint(w, evalCollector.render())
	})
}

func (c *httpStats) render() string {
	c.mu.Lock()
	requests := make(map[requestKey]uint64, len(c.requests))
	for key, value := range c.requests {
		requests[key] = value
	}
	errCounts := make(map[handlerKey]uint64, len(c.errors))
	for key, value := range c.errors {
		errCounts[key] = value
	}
	latencies := make(map[handlerKey]histogram, len(c.latency))
	for key, hist := range c.latency {
		latencies[key] = hist.snapshot()
	}
	c.mu.Unlock()

	reqKeys := make([]requestKey, 0, len(requests))
	for key := range requests {
		reqKeys = append(reqKeys, key)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		a, b := reqKeys[i], reqKeys[j]
		if a.handler != b.handler {
			return a.handler < b.handler
		}
		if a.method != b.method {
			return a.method < b.method
		}
		return a.code < b.code
	})
	errKeys := sortedHandlerKeys(errCounts)
	latKeys := make([]handlerKey, 0, len(latencies))
	for key := range latencies {
		latKeys = append(latKeys, key)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].handler != latKeys[j].handler {
			return latKeys[i].handler < latKeys[j].handler
		}
		return latKeys[i].method < latKeys[j].method
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP openbounty_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE openbounty_http_requests_total counter\n")
	for _, key := range reqKeys {
		fmt.Fprintf(&builder, "openbounty_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), escape(key.code), requests[key])
	}

	builder.WriteString("# HELP openbounty_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	builder.WriteString("# TYPE openbounty_http_request_errors_total counter\n")
	for _, key := range errKeys {
		fmt.Fprintf(&builder, "openbounty_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), errCounts[key])
	}

	builder.WriteString("# HELP openbounty_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE openbounty_http_request_duration_seconds histogram\n")
	for _, key := range latKeys {
		labels := fmt.Sprintf("handler=\"%s\",method=\"%s\"", escape(key.handler), escape(key.method))
		writeHistogram(&builder, "openbounty_http_request_duration_seconds", labels, latencies[key])
	}

	return builder.String()
}

func sortedHandlerKeys(m map[handlerKey]uint64) []handlerKey {
	keys := make([]handlerKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler != keys[j].handler {
			return keys[i].handler < keys[j].handler
		}
		return keys[i].method < keys[j].method
	})
	return keys
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	return strings.ReplaceAll(value, "\n", "")
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
