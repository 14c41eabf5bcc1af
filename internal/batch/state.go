package batch

import (
	"errors"
	"fmt"

	"github.com/HusnaQayyum/Master-Checker/internal/model"
)

// ErrInvalidTransition is returned when an event does not apply to an item's state.
var ErrInvalidTransition = errors.New("invalid item transition")

// EventKind identifies a lifecycle event for one batch item.
type EventKind int

const (
	EventStart EventKind = iota
	EventComplete
	EventFail
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventComplete:
		return "complete"
	case EventFail:
		return "fail"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event moves an item through pending -> processing -> completed | error.
type Event struct {
	Kind    EventKind
	Result  *model.StudentResult // EventComplete
	Message string               // EventFail
	Code    string               // EventFail, an i18n message ID
}

// Reduce applies ev to s and returns the new status. s is not modified.
func Reduce(s model.ProcessStatus, ev Event) (model.ProcessStatus, error) {
	next := s
	switch {
	case s.Status == model.StatusPending && ev.Kind == EventStart:
		next.Status = model.StatusProcessing
		next.Error, next.ErrorCode, next.Result = "", "", nil
	case s.Status == model.StatusProcessing && ev.Kind == EventComplete:
		if ev.Result == nil {
			return s, fmt.Errorf("%w: complete without result", ErrInvalidTransition)
		}
		next.Status = model.StatusCompleted
		next.Result = ev.Result
	case s.Status == model.StatusProcessing && ev.Kind == EventFail:
		next.Status = model.StatusError
		next.Error = ev.Message
		next.ErrorCode = ev.Code
		next.Result = nil
	default:
		return s, fmt.Errorf("%w: %s on %s item %q", ErrInvalidTransition, ev.Kind, s.Status, s.FileName)
	}
	return next, nil
}

// queue holds the per-item statuses of one run and hands out snapshots.
type queue struct {
	items []model.ProcessStatus
}

func newQueue(uploads []Upload) *queue {
	items := make([]model.ProcessStatus, len(uploads))
	for i, u := range uploads {
		items[i] = model.ProcessStatus{FileName: u.FileName, Status: model.StatusPending}
	}
	return &queue{items: items}
}

func (q *queue) apply(i int, ev Event) error {
	next, err := Reduce(q.items[i], ev)
	if err != nil {
		return err
	}
	q.items[i] = next
	return nil
}

// snapshot returns a copy that later transitions will not touch.
func (q *queue) snapshot() []model.ProcessStatus {
	out := make([]model.ProcessStatus, len(q.items))
	copy(out, q.items)
	return out
}
