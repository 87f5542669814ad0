package metrics

import "sync/atomic"

// Counters is the session telemetry surfaced to the operator UI.
type Counters struct {
	downloadsStartedTotal   atomic.Uint64
	downloadsCompletedTotal atomic.Uint64
	uploadsStagedTotal      atomic.Uint64
	uploadBytesTotal        atomic.Uint64
	promptsRaisedTotal      atomic.Uint64
	rateLimitedTotal        atomic.Uint64
}

func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) IncDownloadsStarted() {
	c.downloadsStartedTotal.Add(1)
}

func (c *Counters) IncDownloadsCompleted() {
	c.downloadsCompletedTotal.Add(1)
}

func (c *Counters) IncUploadsStaged() {
	c.uploadsStagedTotal.Add(1)
}

func (c *Counters) AddUploadBytes(n int64) {
	if n <= 0 {
		return
	}
	c.uploadBytesTotal.Add(uint64(n))
}

func (c *Counters) IncPromptsRaised() {
	c.promptsRaisedTotal.Add(1)
}

func (c *Counters) IncRateLimited() {
	c.rateLimitedTotal.Add(1)
}

func (c *Counters) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"downloads_started_total":   c.downloadsStartedTotal.Load(),
		"downloads_completed_total": c.downloadsCompletedTotal.Load(),
		"uploads_staged_total":      c.uploadsStagedTotal.Load(),
		"upload_bytes_total":        c.uploadBytesTotal.Load(),
		"prompts_raised_total":      c.promptsRaisedTotal.Load(),
		"rate_limited_total":        c.rateLimitedTotal.Load(),
	}
}
