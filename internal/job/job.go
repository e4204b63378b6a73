// Package job models one unit of asynchronous work: its phase-composed,
// monotonic progress, its cancellation flag and its terminal status.
package job

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// ETALayout formats estimated completion times.
const ETALayout = "2006-01-02 15:04:05"

// Job is a snapshot of one job. Progress is in [0,1] and never decreases.
type Job struct {
	ID              string
	Kind            string
	Phase           string
	Progress        float64
	Status          Status
	Result          string
	Error           string
	ETA             string
	CancelRequested bool

	// Batch position: Current of Total, working on CurrentItem.
	Current     int
	Total       int
	CurrentItem string

	CreatedAt time.Time
	UpdatedAt time.Time
	// Version increases with every stored change.
	Version uint64
}

// NewID returns a fresh job identifier.
func NewID() string {
	return uuid.NewString()
}

// Percent returns progress in [0,100] rounded to two decimals.
func (j Job) Percent() float64 {
	return math.Round(j.Progress*100*100) / 100
}

// Band is the slice of overall progress allotted to one phase, in percent.
type Band struct {
	Start float64
	End   float64
}

// Normalize accepts a phase fraction in either convention: values in (1, 100]
// are taken as percentages. The result is clamped to [0,1].
func Normalize(fraction float64) float64 {
	if math.IsNaN(fraction) {
		return 0
	}
	if fraction > 1 && fraction <= 100 {
		fraction /= 100
	}
	return math.Max(0, math.Min(1, fraction))
}

// Map converts a phase fraction into overall progress in [0,1]. A fraction of
// 0 maps exactly to Start and 1 exactly to End.
func (b Band) Map(fraction float64) float64 {
	f := Normalize(fraction)
	if f >= 1 {
		return b.End / 100
	}
	return (b.Start + (b.End-b.Start)*f) / 100
}

// Sub returns the part of b covering inner, where inner is expressed in
// percent of b itself.
func (b Band) Sub(inner Band) Band {
	span := b.End - b.Start
	return Band{Start: b.Start + span*inner.Start/100, End: b.Start + span*inner.End/100}
}

// BatchFraction is the overall fraction for item i of n at pct percent done.
func BatchFraction(i, n int, pct float64) float64 {
	if n <= 0 {
		return 0
	}
	return (float64(i) + pct/100) / float64(n)
}
