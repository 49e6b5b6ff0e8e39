package entity

import (
	"time"

	"github.com/google/uuid"

	"clipservice/internal/platform"
)

type JobStatus string

const (
	StatusQueued  JobStatus = "queued"
	StatusWorking JobStatus = "working"
	StatusDone    JobStatus = "done"
	StatusError   JobStatus = "error"
)

// Terminal reports whether the status is absorbing: no transition leaves it.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// ErrorKind classifies a rejection or a terminal job failure. Admission kinds
// never appear on a job record; execution kinds only appear in StatusError.
type ErrorKind string

const (
	// Admission-time: returned synchronously, no job is created.
	KindInvalidRange        ErrorKind = "InvalidRange"
	KindDurationExceeded    ErrorKind = "DurationExceeded"
	KindUnsupportedPlatform ErrorKind = "UnsupportedPlatform"
	KindRightsNotConfirmed  ErrorKind = "RightsNotConfirmed"
	KindRateLimited         ErrorKind = "RateLimited"
	KindQueueFull           ErrorKind = "QueueFull"

	// Execution-time: terminal job errors. Failed jobs are never retried
	// automatically; a retry is a new admission.
	KindFetchError     ErrorKind = "FetchError"
	KindTranscodeError ErrorKind = "TranscodeError"
	KindTimeout        ErrorKind = "Timeout"
	KindInternal       ErrorKind = "Internal"

	// Transport-level: malformed requests and missing resources. Never stored
	// on a job record.
	KindBadRequest ErrorKind = "BadRequest"
	KindNotFound   ErrorKind = "NotFound"
)

// NewJob carries the immutable inputs of a job at admission time.
type NewJob struct {
	URL             string
	Platform        platform.Platform
	Start           float64
	End             float64
	Quality         string
	RightsConfirmed bool
	ClientID        string
}

// Job is the central entity. The record lives in Postgres; after the queue
// hands a job to a worker, that worker is its only mutator.
type Job struct {
	ID              uuid.UUID
	URL             string
	Platform        platform.Platform
	Start           float64
	End             float64
	Quality         string
	RightsConfirmed bool
	ClientID        string

	// Selector is resolved once by the format resolver before fetch begins.
	// Empty means "use the platform's source default".
	Selector string

	Status       JobStatus
	Progress     int
	ErrorKind    *ErrorKind
	ErrorMessage *string
	Handle       *string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Duration is the requested clip length in seconds.
func (j *Job) Duration() float64 {
	return j.End - j.Start
}
