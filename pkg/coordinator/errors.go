package coordinator

import "errors"

var (
	// ErrUnknownNode is returned when a selector names no node or source in the graph
	ErrUnknownNode = errors.New("unknown node or source")
	// ErrNonExistentDependency is returned when a source depends on a source that is not defined
	ErrNonExistentDependency = errors.New("source depends on non-existent source")
	// ErrEmptySelector is returned for a selector that is only '+' signs
	ErrEmptySelector = errors.New("empty selector")
	// ErrNoStrategy is returned when a source in the graph has no strategy instance
	ErrNoStrategy = errors.New("no strategy for source")
	// ErrInvalidConcurrency is returned when concurrency is not positive
	ErrInvalidConcurrency = errors.New("concurrency must be positive")
	// ErrInvalidLockWait is returned when lockWait is negative
	ErrInvalidLockWait = errors.New("lockWait must not be negative")
)
