// Package retry tracks per-task failure counts and keeps a FIFO queue of
// tasks awaiting another run. A task may run max retries + 1 times in
// total: the initial run plus one requeue per recorded failure. Counts
// are deliberately process-local: a restart forgets history and gives
// every task a fresh budget.
package retry

import (
	"errors"
	"log"
	"sync"
)

// ErrRetriesExhausted is returned when a task has used its full budget.
var ErrRetriesExhausted = errors.New("retries exhausted")

// DefaultMaxRetries is used when the controller is created with a
// non-positive limit.
const DefaultMaxRetries = 3

// Controller tracks attempts and queues retries.
type Controller struct {
	mu         sync.Mutex
	attempts   map[string]int
	queue      []string
	queued     map[string]bool
	maxRetries int
}

// NewController creates a controller with the given retry limit.
func NewController(maxRetries int) *Controller {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Controller{
		attempts:   make(map[string]int),
		queued:     make(map[string]bool),
		maxRetries: maxRetries,
	}
}

// Attempts returns the recorded failure count for taskID.
func (c *Controller) Attempts(taskID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[taskID]
}

// CanRetry reports whether taskID still has budget for another failure.
func (c *Controller) CanRetry(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[taskID] < c.maxRetries
}

// Enqueue records a failure for taskID and queues a retry while the
// incremented count is within budget. Past the budget the count stays
// at the limit and ErrRetriesExhausted is returned. A task already
// queued is not queued (or counted) twice.
func (c *Controller) Enqueue(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queued[taskID] {
		return nil
	}
	c.attempts[taskID]++
	if c.attempts[taskID] > c.maxRetries {
		c.attempts[taskID] = c.maxRetries
		return ErrRetriesExhausted
	}
	c.queue = append(c.queue, taskID)
	c.queued[taskID] = true
	log.Printf("[Retry] queued %s (retry %d/%d)", taskID, c.attempts[taskID], c.maxRetries)
	return nil
}

// Dequeue pops the oldest queued task. ok is false when the queue is empty.
func (c *Controller) Dequeue() (taskID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return "", false
	}
	taskID = c.queue[0]
	c.queue = c.queue[1:]
	delete(c.queued, taskID)
	return taskID, true
}

// NextTaskID returns the head of the retry queue, falling back to pick
// (typically a scan of the board) when the queue is empty. ok is false
// when neither source has a task.
func (c *Controller) NextTaskID(pick func() (string, bool)) (string, bool) {
	if id, ok := c.Dequeue(); ok {
		return id, true
	}
	if pick == nil {
		return "", false
	}
	return pick()
}

// QueueLen returns the number of tasks waiting for retry.
func (c *Controller) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Reset clears the failure count for taskID, typically after success.
func (c *Controller) Reset(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, taskID)
}
