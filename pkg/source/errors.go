package source

import "errors"

var (
	// ErrIDRequired is returned when a source has no id
	ErrIDRequired = errors.New("source id is required")
	// ErrInvalidID is returned when a source id contains characters unusable in node ids or collection names
	ErrInvalidID = errors.New("source id must match [a-zA-Z0-9_]+")
	// ErrInvalidCapability is returned when capability is not a known tag
	ErrInvalidCapability = errors.New("capability must be 'INCREMENTAL' or 'FULL_SNAPSHOT'")
	// ErrKeyColumnsRequired is returned when no natural key columns are declared
	ErrKeyColumnsRequired = errors.New("keyColumns is required")
	// ErrWatchedColumnsRequired is returned when a full-snapshot source declares no watched columns
	ErrWatchedColumnsRequired = errors.New("watchedColumns is required for FULL_SNAPSHOT sources")
	// ErrCursorNotAllowed is returned when a full-snapshot source declares a cursor column
	ErrCursorNotAllowed = errors.New("cursorColumn is only valid for INCREMENTAL sources")
	// ErrInvalidMissingKeyPolicy is returned for an unknown missing-key policy
	ErrInvalidMissingKeyPolicy = errors.New("missingKeys must be 'leave_open' or 'close'")
	// ErrMissingKeysNotAllowed is returned when an incremental source declares a missing-key policy
	ErrMissingKeysNotAllowed = errors.New("missingKeys is only valid for FULL_SNAPSHOT sources")
	// ErrInvalidBatchSize is returned when batch size is not positive
	ErrInvalidBatchSize = errors.New("batchSize must be positive")
	// ErrConnectorTypeRequired is returned when the connector has no type
	ErrConnectorTypeRequired = errors.New("connector.type is required")
	// ErrConnectorNotRegistered is returned when no factory is registered for a connector type
	ErrConnectorNotRegistered = errors.New("connector type not registered")
	// ErrCapabilityNotSupported is returned when a connector is asked for a fetch mode it cannot serve
	ErrCapabilityNotSupported = errors.New("capability not supported by connector")
	// ErrDuplicateSource is returned when two definitions share an id
	ErrDuplicateSource = errors.New("duplicate source id")
	// ErrSelfDependency is returned when a source depends on itself
	ErrSelfDependency = errors.New("source cannot depend on itself")
)
