package forward

import (
	"time"
)

// State aggregates the per-destination results of one object.
type State int

const (
	// Filtered means no active destination accepted the object.
	Filtered State = iota
	AllSucceeded
	PartialFailure
	AllFailed
)

func (s State) String() string {
	switch s {
	case AllSucceeded:
		return "all-succeeded"
	case PartialFailure:
		return "partial-failure"
	case AllFailed:
		return "all-failed"
	}
	return "filtered"
}

// Status is the result of one destination.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSkipped Status = "skipped"
)

// Result records one destination attempt.
type Result struct {
	Destination string
	Status      Status
	StatusCode  int
	Err         error

	// Set when the destination de-identifies.
	Pseudonym         string
	NewSOPInstanceUID string

	Duration time.Duration
}

// Reason returns the failure message, or "".
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Outcome is the result of forwarding one object.
type Outcome struct {
	ID             string
	SOPInstanceUID string
	SOPClassUID    string
	Results        []Result
	State          State
}

// Failed returns the failed results.
func (o *Outcome) Failed() []Result {
	var out []Result
	for _, r := range o.Results {
		if r.Status == StatusFailure {
			out = append(out, r)
		}
	}
	return out
}

// aggregate derives the state from the results. Skipped destinations do not
// count.
func aggregate(results []Result) State {
	var ok, failed int
	for _, r := range results {
		switch r.Status {
		case StatusSuccess:
			ok++
		case StatusFailure:
			failed++
		}
	}
	switch {
	case ok == 0 && failed == 0:
		return Filtered
	case failed == 0:
		return AllSucceeded
	case ok == 0:
		return AllFailed
	}
	return PartialFailure
}
