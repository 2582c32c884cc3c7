package runner

import (
	"fmt"
	"io"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/samber/lo"
)

// Status is the terminal outcome of one scenario.
type Status string

const (
	// Passed means every snapshot matched its golden reference.
	Passed Status = "passed"
	// Failed means an assertion mismatch: the expected path when a test
	// catches a real regression.
	Failed Status = "failed"
	// Errored means the scenario could not be judged: launch failure,
	// readiness timeout, missing window, capture fault.
	Errored Status = "errored"
)

// Result is the immutable outcome of one scenario execution.
type Result struct {
	Scenario  string        `json:"scenario"`
	Status    Status        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Artifacts []string      `json:"artifacts,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// Summary aggregates all results of one harness invocation.
type Summary struct {
	RunID      string    `json:"run_id"`
	Results    []Result  `json:"results"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewSummary returns an empty summary with a fresh run ID.
func NewSummary() Summary {
	return Summary{RunID: cuid2.Generate(), StartedAt: time.Now()}
}

// Add records one scenario result.
func (s *Summary) Add(r Result) {
	s.Results = append(s.Results, r)
}

// Finish stamps the end of the run.
func (s *Summary) Finish() {
	s.FinishedAt = time.Now()
}

func (s Summary) count(status Status) int {
	return lo.CountBy(s.Results, func(r Result) bool { return r.Status == status })
}

// Total returns the number of executed scenarios. Zero executed scenarios
// is not an error by itself.
func (s Summary) Total() int { return len(s.Results) }

func (s Summary) Passed() int  { return s.count(Passed) }
func (s Summary) Failed() int  { return s.count(Failed) }
func (s Summary) Errored() int { return s.count(Errored) }

// Clean reports whether the run had zero failed and zero errored scenarios.
func (s Summary) Clean() bool {
	return s.Failed() == 0 && s.Errored() == 0
}

// ExitCode maps the summary onto the process exit status: 0 all passed,
// 1 assertion failures present, 2 infrastructure/setup errors present.
func (s Summary) ExitCode() int {
	switch {
	case s.Errored() > 0:
		return 2
	case s.Failed() > 0:
		return 1
	default:
		return 0
	}
}

// Render writes the human-readable per-scenario report and aggregate
// counts.
func (s Summary) Render(w io.Writer) {
	for _, r := range s.Results {
		if r.Status == Passed && r.Reason == "" {
			fmt.Fprintf(w, "%-8s %s\n", r.Status, r.Scenario)
			continue
		}
		fmt.Fprintf(w, "%-8s %s: %s\n", r.Status, r.Scenario, r.Reason)
		for _, a := range r.Artifacts {
			fmt.Fprintf(w, "         artifact: %s\n", a)
		}
	}
	fmt.Fprintf(w, "%d total, %d passed, %d failed, %d errored\n",
		s.Total(), s.Passed(), s.Failed(), s.Errored())
}
