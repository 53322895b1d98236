// Package notify delivers domain events to external consumers after the
// originating transaction commits. Delivery is fire-and-forget and
// at-least-once; a failed handler is logged and dropped, never bubbled
// back into the task state machine.
package notify

import (
	"log"
	"sync"
)

// Domain event types emitted by the lifecycle engine.
const (
	TaskAssigned          = "task-assigned"
	ReviewSentBack        = "review-sent-back"
	ReviewPendingApproval = "review-pending-approval"
	ReviewPublished       = "review-published"
	Approved              = "approved"
	ApprovedSentBack      = "approved-sent-back"
)

// Notification carries enough context for a dispatcher to render a
// message without calling back into the engine.
type Notification struct {
	Type          string `json:"type"`
	TeamID        string `json:"team_id"`
	TaskID        string `json:"task_id"`
	ContentItemID string `json:"content_item_id"`
	Language      string `json:"language,omitempty"`
	AssigneeID    string `json:"assignee_id,omitempty"`
	ReviewerID    string `json:"reviewer_id,omitempty"`
}

// Handler consumes a single notification. Returning an error only
// affects logging.
type Handler func(Notification) error

// Dispatcher fans notifications out to handlers on a background
// goroutine per dispatch.
type Dispatcher struct {
	mu       sync.Mutex
	handlers []Handler
	wg       sync.WaitGroup
}

func NewDispatcher(handlers ...Handler) *Dispatcher {
	return &Dispatcher{handlers: handlers}
}

// Subscribe registers an additional handler.
func (d *Dispatcher) Subscribe(h Handler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// Dispatch hands the notification to every handler asynchronously and
// returns immediately. Callers must invoke it only after their
// transaction has committed.
func (d *Dispatcher) Dispatch(n Notification) {
	d.mu.Lock()
	handlers := make([]Handler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.Unlock()
	if len(handlers) == 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for _, h := range handlers {
			if err := h(n); err != nil {
				log.Printf("notify: %s for task %s failed: %v", n.Type, n.TaskID, err)
			}
		}
	}()
}

// Wait blocks until in-flight dispatches drain. Used by tests and
// graceful shutdown; user-facing operations never call it.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
