package engine

import (
	"sync"
	"time"

	v1 "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1"
)

// Per-host task statuses as they appear in reports and events.
const (
	statusOk          = "ok"
	statusFailed      = "failed"
	statusSkipped     = "skipped"
	statusUnreachable = "unreachable"
)

// Overall run statuses.
const (
	runSucceeded = "succeeded"
	runFailed    = "failed"
	runAborted   = "aborted"
)

// reportCollector accumulates per-host task outcomes during a run and
// assembles the final ExecutionReport. All methods are concurrency-safe;
// every strategy records into the same collector from many goroutines.
type reportCollector struct {
	mu           sync.Mutex
	playbookName string
	startTime    time.Time
	summaries    map[string]v1.HostSummary
	taskResults  map[string]v1.HostTaskResult
}

func newReportCollector(playbookName string) *reportCollector {
	return &reportCollector{
		playbookName: playbookName,
		startTime:    time.Now(),
		summaries:    make(map[string]v1.HostSummary),
		taskResults:  make(map[string]v1.HostTaskResult),
	}
}

// touchHost ensures a host appears in the summaries even if no task ever
// produced a result for it (for example a play aborted before its batch ran).
func (r *reportCollector) touchHost(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.summaries[host]; !ok {
		r.summaries[host] = v1.HostSummary{}
	}
}

// record stores the outcome of one task on one host, keyed "taskID/host",
// and bumps the host's summary counters. A host that changed something is
// counted both as ok and as changed.
func (r *reportCollector) record(taskID, host string, out taskOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := v1.HostTaskResult{
		Status:    out.status,
		Changed:   out.changed,
		StartTime: out.start,
		EndTime:   out.end,
		Duration:  out.end.Sub(out.start),
	}
	if out.err != nil {
		result.Error = out.err.Error()
	}
	r.taskResults[taskID+"/"+host] = result

	summary := r.summaries[host]
	switch out.status {
	case statusOk:
		summary.Ok++
		if out.changed {
			summary.Changed++
		}
	case statusFailed:
		summary.Failed++
	case statusSkipped:
		summary.Skipped++
	case statusUnreachable:
		summary.Unreachable++
	}
	r.summaries[host] = summary
}

// hostFailed reports whether the host has recorded any failed or
// unreachable outcome so far.
func (r *reportCollector) hostFailed(host string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	summary := r.summaries[host]
	return summary.Failed > 0 || summary.Unreachable > 0
}

// anyFailures reports whether any host recorded a failed or unreachable
// outcome during the run.
func (r *reportCollector) anyFailures() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, summary := range r.summaries {
		if summary.Failed > 0 || summary.Unreachable > 0 {
			return true
		}
	}
	return false
}

// finish seals the collector into an ExecutionReport.
func (r *reportCollector) finish(overallStatus string, runErr error) *v1.ExecutionReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	end := time.Now()
	report := &v1.ExecutionReport{
		PlaybookName:  r.playbookName,
		OverallStatus: overallStatus,
		StartTime:     r.startTime,
		EndTime:       end,
		Duration:      end.Sub(r.startTime),
		HostSummaries: make(map[string]v1.HostSummary, len(r.summaries)),
		TaskResults:   make(map[string]v1.HostTaskResult, len(r.taskResults)),
	}
	if runErr != nil {
		report.Error = runErr.Error()
	}
	for host, summary := range r.summaries {
		report.HostSummaries[host] = summary
	}
	for key, result := range r.taskResults {
		report.TaskResults[key] = result
	}
	return report
}
