package compose

import "time"

// Status is the queue status of a compose job as reported by the build
// engine.
type Status string

const (
	// StatusWaiting means the job is queued but not started.
	StatusWaiting Status = "WAITING"
	// StatusRunning means the build engine is working on the job.
	StatusRunning Status = "RUNNING"
	// StatusFinished means the job produced an image.
	StatusFinished Status = "FINISHED"
	// StatusFailed means the build ended without an image.
	StatusFailed Status = "FAILED"
)

// Terminal reports whether the status will never change again.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Job represents one in-flight or completed image build. The ID is
// assigned by the build engine and treated as an opaque token. Status is
// mutated only by polling.
type Job struct {
	ID         string
	Blueprint  string
	OutputType string
	Status     Status
	// SubmittedAt is when the harness submitted the build.
	SubmittedAt time.Time
	// ImagePath is the local path of the fetched artifact, set by
	// FetchArtifact once the job finished.
	ImagePath string
}
