// Package strategy maps source capabilities onto the extract and apply nodes a run executes.
// Capability packages register themselves from init, the way source connectors do.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethpandaops/cdcore/pkg/extract"
	"github.com/ethpandaops/cdcore/pkg/manifest"
	"github.com/ethpandaops/cdcore/pkg/sink"
	"github.com/ethpandaops/cdcore/pkg/source"
	"github.com/ethpandaops/cdcore/pkg/watermark"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownCapability is returned when no strategy is registered for a capability
	ErrUnknownCapability = errors.New("no strategy registered for capability")
	// ErrMissingDependency is returned when a factory is missing something it needs
	ErrMissingDependency = errors.New("strategy dependency missing")
)

// NodeKind names the step a node performs
type NodeKind string

// Node kinds
const (
	KindExtract NodeKind = "extract"
	KindMerge   NodeKind = "merge"
	KindHistory NodeKind = "history"
)

// Run carries what a node knows about the run it belongs to
type Run struct {
	ID        string
	StartedAt time.Time
	// Extracted is the result of this source's extract node in the same run. Only set for apply nodes.
	Extracted manifest.Result
	// Held reports a lost source lock. Nil when the run holds no lock for the source.
	Held func() error
}

// CheckHeld returns the lock error of the run, if any
func (r Run) CheckHeld() error {
	if r.Held == nil {
		return nil
	}

	return r.Held()
}

// Strategy executes the two nodes of one source
type Strategy interface {
	Extract(ctx context.Context, run Run) (manifest.Result, error)
	Apply(ctx context.Context, run Run) (manifest.Result, error)
}

// Deps are the shared services a strategy is built from
type Deps struct {
	Log        logrus.FieldLogger
	Sink       sink.Sink
	Watermarks watermark.Store
	Naming     *Naming
	Retry      extract.RetryConfig
}

// Validate checks the dependencies every strategy needs
func (d *Deps) Validate() error {
	switch {
	case d.Log == nil:
		return fmt.Errorf("%w: logger", ErrMissingDependency)
	case d.Sink == nil:
		return fmt.Errorf("%w: sink", ErrMissingDependency)
	case d.Naming == nil:
		return fmt.Errorf("%w: naming", ErrMissingDependency)
	}

	return nil
}

// Factory builds the strategy for one source
type Factory func(src *source.Source, conn source.Connector, deps Deps) (Strategy, error)

type registration struct {
	applyKind NodeKind
	factory   Factory
}

//nolint:gochecknoglobals // Registry pattern requires global state
var (
	mu       sync.RWMutex
	registry = map[source.Capability]registration{}
)

// Register installs the factory for a capability, replacing any previous one.
// applyKind names the node that follows extraction for sources of that capability.
func Register(capability source.Capability, applyKind NodeKind, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	registry[capability] = registration{applyKind: applyKind, factory: factory}
}

// Lookup returns the factory registered for capability
func Lookup(capability source.Capability) (Factory, error) {
	mu.RLock()
	defer mu.RUnlock()

	reg, ok := registry[capability]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, capability)
	}

	return reg.factory, nil
}

// ApplyKind returns the apply node kind registered for capability
func ApplyKind(capability source.Capability) (NodeKind, error) {
	mu.RLock()
	defer mu.RUnlock()

	reg, ok := registry[capability]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCapability, capability)
	}

	return reg.applyKind, nil
}

// Capabilities lists the registered capabilities
func Capabilities() []source.Capability {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]source.Capability, 0, len(registry))
	for c := range registry {
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// New looks up the strategy for src's capability and builds it
func New(src *source.Source, conn source.Connector, deps Deps) (Strategy, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}

	factory, err := Lookup(src.Capability)
	if err != nil {
		return nil, err
	}

	return factory(src, conn, deps)
}
