package event

import (
	"testing"
	"time"
)

func TestEventConstructors(t *testing.T) {
	before := time.Now()

	tests := []struct {
		event Event
		want  string
	}{
		{NewLoopStateEvent("p", "t", 0, "idle", "planning"), TypeLoopState},
		{NewAdmissionDeniedEvent("p", "t", "cap_exceeded", 3, 3), TypeAdmissionDenied},
		{NewGuardVerdictEvent("p", "t", 1, "block", 0.97), TypeGuardVerdict},
		{NewDelegationEvent("p", "t", "e1", "hal", "ash", 1), TypeDelegation},
		{NewCheckpointOpenedEvent("p", "t", "cp", "design_review", "hard"), TypeCheckpointOpened},
		{NewCheckpointResolvedEvent("p", "t", "cp", "design_review", true, false, "ok"), TypeCheckpointResolved},
		{NewFailureClassifiedEvent("p", "t", 0, "timeout", "ash"), TypeFailureClassified},
		{NewConfigReloadedEvent("/tmp/config.yaml"), TypeConfigReloaded},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.event.EventType(); got != tt.want {
				t.Errorf("EventType() = %q, want %q", got, tt.want)
			}
			if tt.event.Timestamp().Before(before) {
				t.Error("Timestamp() should be set at construction")
			}
		})
	}
}
