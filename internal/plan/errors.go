package plan

import (
	"errors"
	"fmt"
)

// NotFoundError marks lookups for plans or tasks that do not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// NewPlanNotFound builds a NotFoundError for a plan ID.
func NewPlanNotFound(planID int64) *NotFoundError {
	return &NotFoundError{Kind: "plan", ID: fmt.Sprintf("%d", planID)}
}

// NewTaskNotFound builds a NotFoundError for a task ID.
func NewTaskNotFound(taskID int64) *NotFoundError {
	return &NotFoundError{Kind: "task", ID: fmt.Sprintf("%d", taskID)}
}

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// InvalidAnchorError marks anchor references that cannot produce an
// insertion point: missing anchors, or before/after anchors that are
// not siblings under the requested parent.
type InvalidAnchorError struct {
	AnchorID int64
	Position AnchorPosition
	Reason   string
}

func (e *InvalidAnchorError) Error() string {
	return fmt.Sprintf("invalid anchor %d (%s): %s", e.AnchorID, e.Position, e.Reason)
}

// IsInvalidAnchor reports whether err carries an InvalidAnchorError.
func IsInvalidAnchor(err error) bool {
	var target *InvalidAnchorError
	return errors.As(err, &target)
}

// CycleDetectedError marks a move or dependency change that would make
// the tree or the dependency graph cyclic.
type CycleDetectedError struct {
	TaskID int64
	Detail string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("cycle detected at task %d: %s", e.TaskID, e.Detail)
}

// IsCycleDetected reports whether err carries a CycleDetectedError.
func IsCycleDetected(err error) bool {
	var target *CycleDetectedError
	return errors.As(err, &target)
}
