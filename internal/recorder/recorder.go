// Package recorder defines the case-recording contract invoked after
// solver iterations and driver runs, plus a plain-text recorder that dumps
// vector contents for inspection.
package recorder

import (
	"time"

	"github.com/vk/mdogridgo/internal/vecs"
)

// Metadata identifies one recorded case within a run.
type Metadata struct {
	// RunID is a UUID shared by every case of one driver execution.
	RunID string
	// Name is the pathname of the system or driver being recorded.
	Name string
	// Coord is the iteration coordinate: alternating solver names and
	// iteration counts from the driver down to the recording solver.
	Coord []string
	// Timestamp is when the case was captured.
	Timestamp time.Time
}

// Recorder captures vector state per case.
type Recorder interface {
	// Record captures one case. Vectors must be treated as read-only and
	// are only valid for the duration of the call.
	Record(params, unknowns, resids *vecs.VecWrapper, meta Metadata) error
	// Close flushes anything buffered.
	Close() error
}
