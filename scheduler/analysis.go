package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/chartrec/chart"
	"github.com/hazyhaar/chartrec/store"
)

// Analysis reports which patients from a job's most recent session still need
// reprocessing. It backs both the resume-analysis query surface and the
// resume-mode retry itself.
type Analysis struct {
	JobID      string   `json:"job_id"`
	SessionID  string   `json:"session_id,omitempty"`
	Patients   int      `json:"patients"`
	Incomplete []string `json:"incomplete_prns,omitempty"`

	// NeedsRestart is set when the job never completed an extraction
	// session, so there is nothing to resume from.
	NeedsRestart bool `json:"needs_restart,omitempty"`
}

// ResumeAnalysis inspects the job's latest session and lists the PRNs whose
// captured detail set is incomplete: no detail rows at all, or none matching
// the job's medication filter. A single-patient job whose target PRN is
// absent from the session is always incomplete.
func (s *Scheduler) ResumeAnalysis(ctx context.Context, jobID string) (*Analysis, error) {
	job, err := s.reg.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	sess, err := s.st.LatestSessionForJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return &Analysis{JobID: jobID, NeedsRestart: true}, nil
	}
	if err != nil {
		return nil, err
	}

	links, err := s.st.LinksForSession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	a := &Analysis{JobID: jobID, SessionID: sess.ID, Patients: len(links)}
	seen := make(map[string]bool, len(links))
	for _, l := range links {
		seen[l.PRN] = true
		details, err := s.st.LinkDetails(ctx, l.ID)
		if err != nil {
			return nil, fmt.Errorf("scheduler: details for link %s: %w", l.ID, err)
		}
		if !detailSetComplete(details, job.MedicationFilter) {
			a.Incomplete = append(a.Incomplete, l.PRN)
		}
	}

	if job.PatientPRN != "" && !seen[job.PatientPRN] {
		a.Incomplete = append(a.Incomplete, job.PatientPRN)
		a.Patients++
	}
	return a, nil
}

func detailSetComplete(details []chart.Detail, filter string) bool {
	if len(details) == 0 {
		return false
	}
	if filter == "" {
		return true
	}
	for _, d := range details {
		if detailSatisfies(d, filter) {
			return true
		}
	}
	return false
}
