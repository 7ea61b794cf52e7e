// Package manifest records the per-node status of a run
package manifest

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/cdcore/pkg/failure"
	"github.com/ethpandaops/cdcore/pkg/record"
)

var (
	// ErrNotFound is returned when a run id is unknown or expired
	ErrNotFound = errors.New("run manifest not found")
	// ErrUnknownNode is returned for a node id that is not part of the run
	ErrUnknownNode = errors.New("node is not part of this run")
	// ErrIllegalTransition is returned for a status change the lifecycle does not allow
	ErrIllegalTransition = errors.New("illegal node status transition")
)

// Status is the lifecycle state of one node
type Status string

// Node statuses
const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Outcome summarizes a finished run
type Outcome string

// Run outcomes
const (
	OutcomeRunning   Outcome = "RUNNING"
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomePartial   Outcome = "PARTIAL"
	OutcomeFailed    Outcome = "FAILED"
)

// ExitCode maps an outcome onto the trigger command's exit status
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeSucceeded:
		return 0
	case OutcomePartial:
		return 2
	default:
		return 1
	}
}

// NodeState is the status of one extract, merge or history node
type NodeState struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Kind       string         `json:"kind"`
	Status     Status         `json:"status"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	Records    int            `json:"records,omitempty"`
	Cursor     record.Cursor  `json:"cursor,omitzero"`
	Stats      map[string]int `json:"stats,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  failure.Kind   `json:"error_kind,omitempty"`
	BlockedBy  []string       `json:"blocked_by,omitempty"`
}

// Result is what a node reports when it succeeds
type Result struct {
	Attempts int
	Records  int
	Cursor   record.Cursor
	Stats    map[string]int
}

// Manifest is the audit record of one run
type Manifest struct {
	RunID      string       `json:"run_id"`
	Selection  []string     `json:"selection,omitempty"`
	Trigger    string       `json:"trigger,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Outcome    Outcome      `json:"outcome"`
	Nodes      []*NodeState `json:"nodes"`
}

// New creates a manifest with every node PENDING. nodes must be in execution order.
func New(runID string, selection []string, trigger string, nodes []NodeState, startedAt time.Time) *Manifest {
	m := &Manifest{
		RunID:     runID,
		Selection: selection,
		Trigger:   trigger,
		StartedAt: startedAt.UTC(),
		Outcome:   OutcomeRunning,
		Nodes:     make([]*NodeState, 0, len(nodes)),
	}

	for _, n := range nodes {
		node := n
		node.Status = StatusPending
		m.Nodes = append(m.Nodes, &node)
	}

	return m
}

// Node returns the state of id
func (m *Manifest) Node(id string) (*NodeState, error) {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
}

// Start moves a PENDING node to RUNNING
func (m *Manifest) Start(id string, at time.Time) error {
	node, err := m.transition(id, StatusPending, StatusRunning)
	if err != nil {
		return err
	}

	started := at.UTC()
	node.StartedAt = &started
	node.BlockedBy = nil

	return nil
}

// Succeed moves a RUNNING node to SUCCEEDED
func (m *Manifest) Succeed(id string, at time.Time, result Result) error {
	node, err := m.transition(id, StatusRunning, StatusSucceeded)
	if err != nil {
		return err
	}

	finished := at.UTC()
	node.FinishedAt = &finished
	node.Attempts = result.Attempts
	node.Records = result.Records
	node.Cursor = result.Cursor
	node.Stats = result.Stats

	return nil
}

// Fail moves a RUNNING node to FAILED and classifies the error
func (m *Manifest) Fail(id string, at time.Time, attempts int, cause error) error {
	node, err := m.transition(id, StatusRunning, StatusFailed)
	if err != nil {
		return err
	}

	finished := at.UTC()
	node.FinishedAt = &finished
	node.Attempts = attempts
	node.Error = cause.Error()
	node.ErrorKind = failure.KindOf(cause)

	return nil
}

// Block records the failed upstream nodes that keep a PENDING node from running
func (m *Manifest) Block(id string, upstream []string) error {
	node, err := m.Node(id)
	if err != nil {
		return err
	}

	if node.Status != StatusPending {
		return fmt.Errorf("%w: cannot block %s in %s", ErrIllegalTransition, id, node.Status)
	}

	node.BlockedBy = append([]string(nil), upstream...)

	return nil
}

func (m *Manifest) transition(id string, from, to Status) (*NodeState, error) {
	node, err := m.Node(id)
	if err != nil {
		return nil, err
	}

	if node.Status != from {
		return nil, fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, id, node.Status, to)
	}

	node.Status = to

	return node, nil
}

// Finish stamps the run and computes its outcome
func (m *Manifest) Finish(at time.Time) Outcome {
	finished := at.UTC()
	m.FinishedAt = &finished

	succeeded := 0

	for _, n := range m.Nodes {
		if n.Status == StatusSucceeded {
			succeeded++
		}
	}

	switch {
	case len(m.Nodes) > 0 && succeeded == len(m.Nodes):
		m.Outcome = OutcomeSucceeded
	case succeeded > 0:
		m.Outcome = OutcomePartial
	default:
		m.Outcome = OutcomeFailed
	}

	return m.Outcome
}

// Counts returns the number of nodes per status
func (m *Manifest) Counts() map[Status]int {
	out := make(map[Status]int, 4)
	for _, n := range m.Nodes {
		out[n.Status]++
	}

	return out
}

// Clone returns a deep copy safe to persist while the run continues
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Selection = append([]string(nil), m.Selection...)
	c.Nodes = make([]*NodeState, 0, len(m.Nodes))

	for _, n := range m.Nodes {
		node := *n
		node.BlockedBy = append([]string(nil), n.BlockedBy...)

		if n.Stats != nil {
			node.Stats = make(map[string]int, len(n.Stats))
			for k, v := range n.Stats {
				node.Stats[k] = v
			}
		}

		c.Nodes = append(c.Nodes, &node)
	}

	return &c
}
