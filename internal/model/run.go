package model

import "time"

// RunOutcome classifies how a scrape run ended.
type RunOutcome string

const (
	// RunComplete means the run stopped cleanly with no page errors.
	RunComplete RunOutcome = "complete"
	// RunPartial means the run stopped cleanly but skipped one or more pages.
	RunPartial RunOutcome = "partial"
	// RunFailed means the run aborted before reaching a clean stop.
	RunFailed RunOutcome = "failed"
)

// ScrapeRun is the append-only audit record of one acquisition run.
type ScrapeRun struct {
	RunID        string     `json:"run_id"`
	Category     Category   `json:"category"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	PagesFetched int        `json:"pages_fetched"`
	NewCount     int        `json:"new_count"`
	UpdatedCount int        `json:"updated_count"`
	ErrorCount   int        `json:"error_count"`
	Outcome      RunOutcome `json:"outcome,omitempty"`
}
