package domain

import "fmt"

// ValidationError is returned when a submitted task is malformed. It is
// rejected at the door and never enters the claim table.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s %s", e.Field, e.Reason)
}

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// WorkerNotFoundError is returned when a worker ID is not registered.
type WorkerNotFoundError struct {
	WorkerID string
}

func (e *WorkerNotFoundError) Error() string {
	return fmt.Sprintf("worker not found: %s", e.WorkerID)
}

// WorkerUnavailableError is returned when no registered worker is eligible
// for a task. The task stays Pending and is retried next cycle.
type WorkerUnavailableError struct {
	TaskID string
}

func (e *WorkerUnavailableError) Error() string {
	return fmt.Sprintf("no eligible worker for task %s", e.TaskID)
}

// WorkerSaturatedError is returned when a claim attempt names a worker that
// is already at its concurrency capacity.
type WorkerSaturatedError struct {
	WorkerID string
	Max      int
}

func (e *WorkerSaturatedError) Error() string {
	return fmt.Sprintf("worker %s at capacity (%d concurrent tasks)", e.WorkerID, e.Max)
}

// AbortedAfterRetryLimitError is a terminal failure: the task hit the retry
// limit against a contended resource and requires external intervention.
type AbortedAfterRetryLimitError struct {
	TaskID      string
	ResourceKey string
	Retries     int
}

func (e *AbortedAfterRetryLimitError) Error() string {
	return fmt.Sprintf("task %s aborted after %d retries on resource %s", e.TaskID, e.Retries, e.ResourceKey)
}

// TaskTerminalError is returned when an operation targets a task already in
// a terminal state.
type TaskTerminalError struct {
	TaskID string
	State  TaskState
}

func (e *TaskTerminalError) Error() string {
	return fmt.Sprintf("task %s already %s", e.TaskID, e.State)
}
