package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aro-automation/aro/pkg/models"
)

func TestCanTransitionGraph(t *testing.T) {
	tests := []struct {
		from, to models.AppointmentStatus
		allowed  bool
	}{
		{models.AppointmentBooked, models.AppointmentConfirmed, true},
		{models.AppointmentBooked, models.AppointmentPendingConfirm, true},
		{models.AppointmentBooked, models.AppointmentCompleted, false},
		{models.AppointmentConfirmed, models.AppointmentInProgress, true},
		{models.AppointmentConfirmed, models.AppointmentBooked, false},
		{models.AppointmentRescheduled, models.AppointmentBooked, true},
		{models.AppointmentRescheduled, models.AppointmentConfirmed, false},
		{models.AppointmentInProgress, models.AppointmentCompleted, true},
		{models.AppointmentInProgress, models.AppointmentNoShow, true},
		{models.AppointmentPendingConfirm, models.AppointmentConfirmed, true},
		{models.AppointmentPendingConfirm, models.AppointmentRescheduled, false},
		// Terminal states admit nothing.
		{models.AppointmentCompleted, models.AppointmentBooked, false},
		{models.AppointmentNoShow, models.AppointmentBooked, false},
		{models.AppointmentCancelled, models.AppointmentBooked, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTransitionRecordsHistory(t *testing.T) {
	now := time.Now().UTC()
	appt := &models.Appointment{Status: models.AppointmentPendingConfirm}

	require.NoError(t, Transition(appt, models.AppointmentConfirmed, "customer", now))

	assert.Equal(t, models.AppointmentConfirmed, appt.Status)
	assert.True(t, appt.Confirmed)
	require.NotNil(t, appt.ConfirmedAt)
	require.Len(t, appt.PreviousStatuses, 1)
	assert.Equal(t, models.AppointmentPendingConfirm, appt.PreviousStatuses[0].From)
	assert.Equal(t, "customer", appt.PreviousStatuses[0].Actor)
}

func TestTransitionInvalidLeavesStateUntouched(t *testing.T) {
	appt := &models.Appointment{Status: models.AppointmentCompleted}

	err := Transition(appt, models.AppointmentBooked, "admin", time.Now())

	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, models.AppointmentCompleted, appt.Status)
	assert.Empty(t, appt.PreviousStatuses)
}

func TestSystemActorCannotCancel(t *testing.T) {
	appt := &models.Appointment{Status: models.AppointmentBooked}

	err := Transition(appt, models.AppointmentCancelled, ActorSystem, time.Now())

	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Reason, "auto-cancellation")
	assert.Equal(t, models.AppointmentBooked, appt.Status)

	// A human actor may cancel the same appointment.
	require.NoError(t, Transition(appt, models.AppointmentCancelled, "admin", time.Now()))
	assert.Equal(t, models.AppointmentCancelled, appt.Status)
}

func TestAdvanceWorkflowRetriesExhausted(t *testing.T) {
	w := &models.WorkflowInstance{State: models.WorkflowRunning, MaxRetries: 1}

	require.NoError(t, AdvanceWorkflow(w, models.WorkflowRetrying, time.Now()))
	assert.Equal(t, 1, w.RetryCount)

	require.NoError(t, AdvanceWorkflow(w, models.WorkflowRunning, time.Now()))
	err := AdvanceWorkflow(w, models.WorkflowRetrying, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")

	require.NoError(t, AdvanceWorkflow(w, models.WorkflowFailed, time.Now()))
	assert.True(t, w.State.IsTerminal())
}

func TestAdvanceWorkflowInvalidTransition(t *testing.T) {
	w := &models.WorkflowInstance{State: models.WorkflowCompleted}
	err := AdvanceWorkflow(w, models.WorkflowRunning, time.Now())
	require.Error(t, err)
}
