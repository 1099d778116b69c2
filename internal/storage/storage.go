// internal/storage/storage.go
package storage

import "github.com/dcdl-sim/controller/pkg/core"

// Backend is the interface all recording implementations must satisfy.
// Calls arrive from dispatcher buffered handlers, never from the tick loop.
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// Run management
	StartRun(run *core.Run) error
	EndRun() error

	// Record keeping
	RecordCycle(s *core.CycleSummary) error
	RecordLaneChange(e *core.LaneChangeEvent) error
	RecordCooperation(e *core.CooperationEvent) error
}

// Uploadable is an optional interface for storage backends that produce
// a file suitable for upload to the policy service.
type Uploadable interface {
	ExportedFilePath() string
	ExportMetadata() core.UploadMetadata
}
