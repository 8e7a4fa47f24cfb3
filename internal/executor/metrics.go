package executor

import (
	"sync"
	"time"

	"github.com/ZanzyTHEbar/breezeflow"
)

// ExecutorMetrics is a snapshot of tool execution statistics.
type ExecutorMetrics struct {
	Batches          int           `json:"batches"`
	CallsExecuted    int           `json:"calls_executed"`
	CallsSuccessful  int           `json:"calls_successful"`
	CallsFailed      int           `json:"calls_failed"`
	CallsTimedOut    int           `json:"calls_timed_out"`
	TotalDuration    time.Duration `json:"total_duration"`
	LongestCallTime  time.Duration `json:"longest_call_time"`
	ShortestCallTime time.Duration `json:"shortest_call_time"`
	TotalRetries     int           `json:"total_retries"`
}

// metricsRecorder accumulates ExecutorMetrics across batches.
type metricsRecorder struct {
	mu sync.Mutex
	m  ExecutorMetrics
}

func (r *metricsRecorder) snapshot() ExecutorMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m
}

func (r *metricsRecorder) record(res breezeflow.ToolCallResult, timedOut bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := &r.m
	m.CallsExecuted++
	m.TotalDuration += res.Duration
	if res.Duration > m.LongestCallTime {
		m.LongestCallTime = res.Duration
	}
	if res.Duration > 0 && (m.ShortestCallTime == 0 || res.Duration < m.ShortestCallTime) {
		m.ShortestCallTime = res.Duration
	}

	if res.OK() {
		m.CallsSuccessful++
		return
	}
	m.CallsFailed++
	if timedOut {
		m.CallsTimedOut++
	}
}

func (r *metricsRecorder) addRetry() {
	r.mu.Lock()
	r.m.TotalRetries++
	r.mu.Unlock()
}

func (r *metricsRecorder) addBatch() {
	r.mu.Lock()
	r.m.Batches++
	r.mu.Unlock()
}
