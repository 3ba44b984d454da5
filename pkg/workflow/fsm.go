// Package workflow holds the deterministic state machines that drive
// appointment-lifecycle automation: the appointment FSM, the workflow runtime
// FSM, trigger evaluation, and risk scoring. Everything here is pure; side
// effects happen in the services and queue layers.
package workflow

import (
	"fmt"
	"time"

	"github.com/aro-automation/aro/pkg/models"
)

// ActorSystem marks transitions initiated by automation rather than a human.
// Destructive transitions are forbidden for this actor.
const ActorSystem = "system"

// allowedTransitions is the appointment transition graph. Absent source
// states are terminal.
var allowedTransitions = map[models.AppointmentStatus][]models.AppointmentStatus{
	models.AppointmentBooked: {
		models.AppointmentConfirmed,
		models.AppointmentRescheduled,
		models.AppointmentCancelled,
		models.AppointmentNoShow,
		models.AppointmentInProgress,
		models.AppointmentPendingConfirm,
	},
	models.AppointmentConfirmed: {
		models.AppointmentRescheduled,
		models.AppointmentCancelled,
		models.AppointmentInProgress,
		models.AppointmentNoShow,
	},
	models.AppointmentRescheduled: {
		models.AppointmentBooked,
	},
	models.AppointmentInProgress: {
		models.AppointmentCompleted,
		models.AppointmentNoShow,
	},
	models.AppointmentPendingConfirm: {
		models.AppointmentConfirmed,
		models.AppointmentCancelled,
		models.AppointmentNoShow,
	},
}

// TransitionError reports a rejected appointment transition. It maps to a
// validation error at the HTTP boundary; no state is mutated.
type TransitionError struct {
	From   models.AppointmentStatus
	To     models.AppointmentStatus
	Actor  string
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s (actor %s): %s", e.From, e.To, e.Actor, e.Reason)
}

// CanTransition reports whether the graph allows from → to, ignoring actor
// guards.
func CanTransition(from, to models.AppointmentStatus) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition validates and applies from → to on the appointment, recording
// the change in its status history. Guards:
//   - the transition must be on the allowed graph;
//   - actor "system" may never cancel (auto-cancellation is forbidden).
func Transition(appt *models.Appointment, to models.AppointmentStatus, actor string, now time.Time) error {
	from := appt.Status
	if !to.IsValid() {
		return &TransitionError{From: from, To: to, Actor: actor, Reason: "unknown target status"}
	}
	if !CanTransition(from, to) {
		reason := "not on the allowed graph"
		if from.IsTerminal() {
			reason = "source status is terminal"
		}
		return &TransitionError{From: from, To: to, Actor: actor, Reason: reason}
	}
	if actor == ActorSystem && to == models.AppointmentCancelled {
		return &TransitionError{From: from, To: to, Actor: actor, Reason: "auto-cancellation is forbidden"}
	}

	appt.PreviousStatuses = append(appt.PreviousStatuses, models.StatusChange{
		From:      from,
		To:        to,
		Actor:     actor,
		ChangedAt: now,
	})
	appt.Status = to
	appt.UpdatedAt = now

	if to == models.AppointmentConfirmed {
		appt.Confirmed = true
		t := now
		appt.ConfirmedAt = &t
	}
	return nil
}

// workflowTransitions is the runtime FSM for workflow instances.
var workflowTransitions = map[models.WorkflowState][]models.WorkflowState{
	models.WorkflowPending:  {models.WorkflowRunning, models.WorkflowCancelled},
	models.WorkflowRunning:  {models.WorkflowWaiting, models.WorkflowRetrying, models.WorkflowCompleted, models.WorkflowFailed, models.WorkflowCancelled},
	models.WorkflowWaiting:  {models.WorkflowRunning, models.WorkflowRetrying, models.WorkflowCancelled},
	models.WorkflowRetrying: {models.WorkflowRunning, models.WorkflowFailed, models.WorkflowCancelled},
}

// AdvanceWorkflow validates and applies a workflow runtime state change.
// A RETRYING workflow whose retry budget is exhausted must go to FAILED.
func AdvanceWorkflow(w *models.WorkflowInstance, to models.WorkflowState, now time.Time) error {
	allowed := false
	for _, t := range workflowTransitions[w.State] {
		if t == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid workflow transition %s -> %s", w.State, to)
	}
	if to == models.WorkflowRetrying {
		if w.RetryCount >= w.MaxRetries {
			return fmt.Errorf("workflow %s retries exhausted (%d/%d)", w.ID, w.RetryCount, w.MaxRetries)
		}
		w.RetryCount++
	}
	w.State = to
	w.UpdatedAt = now
	return nil
}
