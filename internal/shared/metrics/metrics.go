package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	submissions       = newCounterVec("dispatch_submissions_total", "Adapter submissions by platform", "platform")
	applied           = newCounterVec("dispatch_applied_total", "Applications recorded as applied by platform", "platform")
	failed            = newCounterVec("dispatch_failed_total", "Applications recorded as failed by platform", "platform")
	duplicatesSkipped = newCounterVec("dispatch_duplicates_skipped_total", "Candidates skipped as already recorded by platform", "platform")

	retriesTotal    atomic.Uint64
	quotaWaitsTotal atomic.Uint64
	sessionsRunning atomic.Int64

	submitDuration = newHistogram([]float64{250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000})
)

func IncSubmissions(platform string)       { submissions.Inc(platform) }
func IncApplied(platform string)           { applied.Inc(platform) }
func IncFailed(platform string)            { failed.Inc(platform) }
func IncDuplicatesSkipped(platform string) { duplicatesSkipped.Inc(platform) }

// IncRetries counts a transient-error retry.
func IncRetries() { retriesTotal.Add(1) }

// IncQuotaWaits counts runner suspensions on a daily limit.
func IncQuotaWaits() { quotaWaitsTotal.Add(1) }

// SessionStarted and SessionStopped move the running-runner gauge.
func SessionStarted() { sessionsRunning.Add(1) }
func SessionStopped() { sessionsRunning.Add(-1) }

// ObserveSubmitDurationMs records an adapter call duration in milliseconds.
func ObserveSubmitDurationMs(value float64) {
	submitDuration.Observe(max(value, 0))
}

// SinceMillis returns the milliseconds elapsed since start.
func SinceMillis(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

// Handler serves Render as Prometheus text exposition.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(Render()))
	}
}

// Render writes every series in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	for _, v := range []*counterVec{submissions, applied, failed, duplicatesSkipped} {
		v.write(&buf)
	}
	writeScalar(&buf, "dispatch_retries_total", "Transient-error retries", "counter", strconv.FormatUint(retriesTotal.Load(), 10))
	writeScalar(&buf, "dispatch_quota_waits_total", "Waits on a daily limit", "counter", strconv.FormatUint(quotaWaitsTotal.Load(), 10))
	writeScalar(&buf, "dispatch_sessions_running", "Sessions with an active runner", "gauge", strconv.FormatInt(sessionsRunning.Load(), 10))
	submitDuration.write(&buf, "dispatch_submit_duration_ms", "Adapter submission duration in milliseconds")
	return buf.String()
}

func writeScalar(buf *bytes.Buffer, name, help, kind, value string) {
	fmt.Fprintf(buf, "# HELP %s %s\n# TYPE %s %s\n%s %s\n", name, help, name, kind, name, value)
}

// counterVec is a counter keyed by the value of a single label.
type counterVec struct {
	name, help, label string

	mu     sync.Mutex
	values map[string]uint64
}

func newCounterVec(name, help, label string) *counterVec {
	return &counterVec{name: name, help: help, label: label, values: make(map[string]uint64)}
}

func (v *counterVec) Inc(labelValue string) {
	if labelValue == "" {
		labelValue = "unknown"
	}
	v.mu.Lock()
	v.values[labelValue]++
	v.mu.Unlock()
}

func (v *counterVec) Get(labelValue string) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.values[labelValue]
}

func (v *counterVec) write(buf *bytes.Buffer) {
	v.mu.Lock()
	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	counts := make([]uint64, len(keys))
	for i, k := range keys {
		counts[i] = v.values[k]
	}
	v.mu.Unlock()

	fmt.Fprintf(buf, "# HELP %s %s\n# TYPE %s counter\n", v.name, v.help, v.name)
	for i, k := range keys {
		fmt.Fprintf(buf, "%s{%s=%q} %d\n", v.name, v.label, k, counts[i])
	}
}

// histogram counts observations per upper bound; buckets are rendered
// cumulatively.
type histogram struct {
	bounds []float64

	mu     sync.Mutex
	counts []uint64
	sum    float64
	total  uint64
}

func newHistogram(bounds []float64) *histogram {
	return &histogram{bounds: bounds, counts: make([]uint64, len(bounds))}
}

func (h *histogram) Observe(value float64) {
	i, _ := slices.BinarySearch(h.bounds, value)
	h.mu.Lock()
	defer h.mu.Unlock()
	if i < len(h.counts) {
		h.counts[i]++
	}
	h.sum += value
	h.total++
}

func (h *histogram) write(buf *bytes.Buffer, name, help string) {
	h.mu.Lock()
	counts := slices.Clone(h.counts)
	sum, total := h.sum, h.total
	h.mu.Unlock()

	fmt.Fprintf(buf, "# HELP %s %s\n# TYPE %s histogram\n", name, help, name)
	var cumulative uint64
	for i, bound := range h.bounds {
		cumulative += counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=%q} %d\n", name, strconv.FormatFloat(bound, 'f', -1, 64), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, total)
	fmt.Fprintf(buf, "%s_sum %s\n", name, strconv.FormatFloat(sum, 'f', -1, 64))
	fmt.Fprintf(buf, "%s_count %d\n", name, total)
}
