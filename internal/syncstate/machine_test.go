package syncstate

import (
	"errors"
	"io"
	"log"
	"testing"
)

func quietMachine(maxRetries int) *Machine {
	return New(maxRetries, log.New(io.Discard, "", 0))
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		trigger Trigger
		want    State
		wantErr bool
	}{
		{"idle start", StateIdle, TriggerStartSync, StateSyncing, false},
		{"idle pause", StateIdle, TriggerPause, StatePaused, false},
		{"idle offline", StateIdle, TriggerGoOffline, StateOffline, false},
		{"idle success rejected", StateIdle, TriggerSyncSuccess, StateIdle, true},
		{"idle retry rejected", StateIdle, TriggerRetry, StateIdle, true},

		{"syncing success", StateSyncing, TriggerSyncSuccess, StateIdle, false},
		{"syncing error", StateSyncing, TriggerSyncError, StateError, false},
		{"syncing conflict", StateSyncing, TriggerConflictDetected, StateError, false},
		{"syncing offline", StateSyncing, TriggerGoOffline, StateOffline, false},
		{"syncing pause", StateSyncing, TriggerPause, StatePaused, false},
		{"syncing start rejected", StateSyncing, TriggerStartSync, StateSyncing, true},

		{"paused resume", StatePaused, TriggerResume, StateIdle, false},
		{"paused offline", StatePaused, TriggerGoOffline, StateOffline, false},
		{"paused start rejected", StatePaused, TriggerStartSync, StatePaused, true},

		{"offline online", StateOffline, TriggerGoOnline, StateIdle, false},
		{"offline start rejected", StateOffline, TriggerStartSync, StateOffline, true},
		{"offline resume rejected", StateOffline, TriggerResume, StateOffline, true},

		{"error retry", StateError, TriggerRetry, StateSyncing, false},
		{"error resolved", StateError, TriggerConflictResolved, StateIdle, false},
		{"error pause", StateError, TriggerPause, StatePaused, false},
		{"error offline", StateError, TriggerGoOffline, StateOffline, false},
		{"error manual start", StateError, TriggerStartSync, StateSyncing, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := quietMachine(3)
			m.state = tt.from

			err := m.Fire(tt.trigger)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Fire(%s) error = %v, wantErr %v", tt.trigger, err, tt.wantErr)
			}
			if tt.wantErr {
				var ite *IllegalTransitionError
				if !errors.As(err, &ite) {
					t.Errorf("expected IllegalTransitionError, got %T", err)
				}
			}
			if m.State() != tt.want {
				t.Errorf("state after %s = %s, want %s", tt.trigger, m.State(), tt.want)
			}
		})
	}
}

func TestRetryBound(t *testing.T) {
	m := quietMachine(2)
	m.state = StateError

	// Two retries are allowed.
	for i := 0; i < 2; i++ {
		if err := m.Fire(TriggerRetry); err != nil {
			t.Fatalf("retry %d rejected: %v", i, err)
		}
		if err := m.Fire(TriggerSyncError); err != nil {
			t.Fatalf("sync error %d rejected: %v", i, err)
		}
	}

	// Third retry is rejected; state remains error.
	if err := m.Fire(TriggerRetry); err == nil {
		t.Fatal("expected retry to be rejected at max attempts")
	}
	if m.State() != StateError {
		t.Errorf("state = %s, want error after rejected retry", m.State())
	}
	if !m.RetryExhausted() {
		t.Error("RetryExhausted() = false after max attempts")
	}
}

func TestSideEffects(t *testing.T) {
	m := quietMachine(5)

	// Error increments the counter.
	mustFire(t, m, TriggerStartSync)
	mustFire(t, m, TriggerSyncError)
	if snap := m.Snapshot(); snap.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", snap.ErrorCount)
	}

	// Retry increments the attempt counter.
	mustFire(t, m, TriggerRetry)
	if snap := m.Snapshot(); snap.RetryAttempt != 1 {
		t.Errorf("retry attempt = %d, want 1", snap.RetryAttempt)
	}

	// Success clears both counters and stamps last success.
	mustFire(t, m, TriggerSyncSuccess)
	snap := m.Snapshot()
	if snap.ErrorCount != 0 || snap.RetryAttempt != 0 {
		t.Errorf("counters not reset on success: errors=%d retries=%d", snap.ErrorCount, snap.RetryAttempt)
	}
	if snap.LastSuccess.IsZero() {
		t.Error("last success not stamped")
	}

	// GO_ONLINE resets the retry counter.
	mustFire(t, m, TriggerStartSync)
	mustFire(t, m, TriggerSyncError)
	mustFire(t, m, TriggerRetry)
	mustFire(t, m, TriggerGoOffline)
	mustFire(t, m, TriggerGoOnline)
	if snap := m.Snapshot(); snap.RetryAttempt != 0 {
		t.Errorf("retry attempt = %d after GO_ONLINE, want 0", snap.RetryAttempt)
	}
}

func TestCanSync(t *testing.T) {
	m := quietMachine(3)

	if !m.CanSync() {
		t.Error("CanSync() = false in idle")
	}

	mustFire(t, m, TriggerStartSync)
	if m.CanSync() {
		t.Error("CanSync() = true while syncing")
	}

	mustFire(t, m, TriggerSyncError)
	if !m.CanSync() {
		t.Error("CanSync() = false in error")
	}

	mustFire(t, m, TriggerPause)
	if m.CanSync() {
		t.Error("CanSync() = true while paused")
	}

	mustFire(t, m, TriggerGoOffline)
	if m.CanSync() {
		t.Error("CanSync() = true while offline")
	}
}

func TestReset(t *testing.T) {
	m := quietMachine(3)
	mustFire(t, m, TriggerStartSync)
	mustFire(t, m, TriggerSyncError)

	m.Reset()
	snap := m.Snapshot()
	if snap.State != StateIdle || snap.ErrorCount != 0 || snap.RetryAttempt != 0 {
		t.Errorf("Reset() left machine at %+v", snap)
	}
}

func mustFire(t *testing.T, m *Machine, tr Trigger) {
	t.Helper()
	if err := m.Fire(tr); err != nil {
		t.Fatalf("Fire(%s) failed: %v", tr, err)
	}
}
