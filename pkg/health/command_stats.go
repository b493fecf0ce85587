package health

import (
	"sort"
	"sync"
	"time"
)

// commandHistory is a bounded ring of duration observations for one command.
type commandHistory struct {
	durations []float64 // milliseconds, ring ordered by next
	next      int
	full      bool
	count     int64
	errors    int64
}

func (h *commandHistory) observe(ms float64, success bool) {
	if h.next < len(h.durations) {
		h.durations[h.next] = ms
	} else {
		h.durations = append(h.durations, ms)
	}
	h.next++
	if h.next == cap(h.durations) {
		h.next = 0
		h.full = true
	}
	h.count++
	if !success {
		h.errors++
	}
}

func (h *commandHistory) samples() []float64 {
	out := make([]float64, len(h.durations))
	copy(out, h.durations)
	return out
}

// CommandStats aggregates per-command latency and error statistics. It
// implements the connection factory's CommandTracer, so every proxied tenant
// command flows through it.
type CommandStats struct {
	capacity int

	mu       sync.Mutex
	commands map[string]*commandHistory
}

// NewCommandStats creates command statistics retaining up to capacity
// observations per command.
func NewCommandStats(capacity int) *CommandStats {
	if capacity <= 0 {
		capacity = 10000
	}
	return &CommandStats{
		capacity: capacity,
		commands: make(map[string]*commandHistory),
	}
}

// TraceCommand opens the enter/exit scope for one command. Durations use
// wall time; the injected test clocks elsewhere do not apply here.
func (s *CommandStats) TraceCommand(projectID, command, category string) func(err error) {
	start := time.Now()
	return func(err error) {
		s.observe(command, time.Since(start), err == nil)
	}
}

func (s *CommandStats) observe(command string, d time.Duration, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.commands[command]
	if !ok {
		h = &commandHistory{durations: make([]float64, 0, s.capacity)}
		s.commands[command] = h
	}
	h.observe(float64(d) / float64(time.Millisecond), success)
}

// CommandSummary is the aggregate view for one command.
type CommandSummary struct {
	Command   string  `json:"command"`
	Count     int64   `json:"count"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
	P50Ms     float64 `json:"p50_ms"`
	P95Ms     float64 `json:"p95_ms"`
	P99Ms     float64 `json:"p99_ms"`
}

// Summaries returns the aggregate view per command.
func (s *CommandStats) Summaries() []CommandSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]CommandSummary, 0, len(s.commands))
	for command, h := range s.commands {
		samples := h.samples()
		sort.Float64s(samples)
		summary := CommandSummary{
			Command: command,
			Count:   h.count,
			Errors:  h.errors,
			P50Ms:   percentile(samples, 50),
			P95Ms:   percentile(samples, 95),
			P99Ms:   percentile(samples, 99),
		}
		if h.count > 0 {
			summary.ErrorRate = float64(h.errors) / float64(h.count)
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// Snapshot contributes dotted-path metrics, e.g. commands.get.p95_ms.
func (s *CommandStats) Snapshot() map[string]float64 {
	snap := make(map[string]float64)
	for _, summary := range s.Summaries() {
		prefix := "commands." + summary.Command + "."
		snap[prefix+"count"] = float64(summary.Count)
		snap[prefix+"errors"] = float64(summary.Errors)
		snap[prefix+"error_rate"] = summary.ErrorRate
		snap[prefix+"p50_ms"] = summary.P50Ms
		snap[prefix+"p95_ms"] = summary.P95Ms
		snap[prefix+"p99_ms"] = summary.P99Ms
	}
	return snap
}

// percentile returns the nearest-rank percentile of sorted samples.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p/100*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
