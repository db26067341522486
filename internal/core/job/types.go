package job

import (
	"time"
)

// Status for capture job tracking
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// CanTransition encodes the only legal moves: queued->running, queued->failed
// (never started), running->completed and running->failed.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Format is the requested output kind.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatPDF  Format = "pdf"
)

func (f Format) Valid() bool {
	return f == FormatPNG || f == FormatJPEG || f == FormatPDF
}

// Extension is the file extension used when persisting an artifact of this format.
func (f Format) Extension() string { return string(f) }

func (f Format) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPDF:
		return "application/pdf"
	default:
		return "image/png"
	}
}

// Request is the caller-supplied capture input.
type Request struct {
	URL      string `json:"url"`
	Format   Format `json:"format,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	FullPage bool   `json:"full_page,omitempty"`
	DelayMs  int    `json:"delay,omitempty"`
	Selector string `json:"selector,omitempty"`
	Quality  *int   `json:"quality,omitempty"`
}

// Artifact references the persisted output of a completed job.
type Artifact struct {
	Location    string `json:"location"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Format      Format `json:"format"`
	LoadTimeMs  int64  `json:"load_time_ms"`
	Pages       int    `json:"pages,omitempty"`
}

// Job is the tracked unit of work from submission to terminal status.
type Job struct {
	ID          string     `json:"job_id"`
	Request     Request    `json:"request"`
	Status      Status     `json:"status"`
	Artifact    *Artifact  `json:"artifact,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ElapsedMs   int64      `json:"elapsed_ms"`
}

// Clone returns a deep copy so callers never share mutable state with a ledger.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Request.Quality != nil {
		q := *j.Request.Quality
		c.Request.Quality = &q
	}
	if j.Artifact != nil {
		a := *j.Artifact
		c.Artifact = &a
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Fields is a partial update applied in place to a ledger record.
// Nil pointers leave the stored value untouched.
type Fields struct {
	Status      Status
	Artifact    *Artifact
	ErrorCode   *string
	Error       *string
	Attempts    *int
	StartedAt   *time.Time
	CompletedAt *time.Time
	ElapsedMs   *int64
}
