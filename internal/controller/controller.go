// Package controller defines the capability shared by the two acquisition
// execution modes: the distributed worker-fleet manager and the local
// subprocess runner. The mode is selected once at construction; callers never
// inspect the concrete type.
package controller

// Leaf is one addressable node of a controller's parameter tree: a read
// accessor and an optional write accessor, bound statically at construction.
type Leaf struct {
	Get func() (any, error)
	Set func(value any) error
}

// Tree maps slash-separated leaf paths to their accessors.
type Tree map[string]Leaf

// AcquisitionController executes, stops and reports on acquisitions.
type AcquisitionController interface {
	// ExecuteAcquisition runs one acquisition to the point where capture has
	// started. A non-nil error means at least one step failed; configuration
	// already applied is not rolled back.
	ExecuteAcquisition() error

	// StopAcquisition halts any in-progress capture.
	StopAcquisition() error

	// IsExecuting reports whether an acquisition is currently running,
	// from the last observed status.
	IsExecuting() bool

	// Tree returns the controller's parameter leaves. Built once at
	// construction; the returned map is not modified afterwards.
	Tree() Tree

	// Close releases the controller's resources.
	Close() error
}
