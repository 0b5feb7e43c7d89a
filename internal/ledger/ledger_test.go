package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"rolloutd/internal/pipeline"
	"rolloutd/internal/store"
)

func openTestLedger(t *testing.T) (*store.Store, *Ledger) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, New(st.DB())
}

func createExecution(t *testing.T, st *store.Store, id string) {
	t.Helper()
	err := st.CreateExecution(context.Background(), &pipeline.Execution{
		ID:        id,
		Service:   "payments",
		Artifact:  pipeline.Artifact{ID: id + "-artifact"},
		Status:    pipeline.ExecutionRunning,
		Trigger:   "test",
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	st, led := openTestLedger(t)
	ctx := context.Background()
	createExecution(t, st, "ex-1")

	events := []string{EventExecutionStarted, EventStageStarted, EventStageFinished, EventExecutionFinished}
	for _, ev := range events {
		if err := led.Append(ctx, Record{ExecutionID: "ex-1", Event: ev}); err != nil {
			t.Fatalf("Append(%s) error = %v", ev, err)
		}
	}

	records, err := led.ByExecution(ctx, "ex-1")
	if err != nil {
		t.Fatalf("ByExecution() error = %v", err)
	}
	if len(records) != len(events) {
		t.Fatalf("ByExecution() returned %d records, want %d", len(records), len(events))
	}

	var lastSeq int64
	for i, rec := range records {
		if rec.Event != events[i] {
			t.Errorf("record %d event = %q, want %q", i, rec.Event, events[i])
		}
		if rec.Seq <= lastSeq {
			t.Errorf("record %d seq = %d, not monotonic after %d", i, rec.Seq, lastSeq)
		}
		lastSeq = rec.Seq
		if rec.At.IsZero() {
			t.Errorf("record %d missing timestamp", i)
		}
	}
}

func TestAppendTxCommitsWithTransaction(t *testing.T) {
	st, led := openTestLedger(t)
	ctx := context.Background()
	createExecution(t, st, "ex-1")

	// A rolled-back transaction leaves no record behind.
	tx, err := st.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := led.AppendTx(ctx, tx, Record{ExecutionID: "ex-1", Event: EventCutoverApplied}); err != nil {
		t.Fatalf("AppendTx() error = %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	records, err := led.ByExecution(ctx, "ex-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("rolled-back AppendTx left %d records", len(records))
	}

	// A committed one is visible.
	tx, err = st.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := led.AppendTx(ctx, tx, Record{ExecutionID: "ex-1", Event: EventCutoverApplied, Actor: "engine"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	records, err = led.ByExecution(ctx, "ex-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Event != EventCutoverApplied {
		t.Errorf("ByExecution() = %+v, want one cutover.applied", records)
	}
}

func TestByEvent(t *testing.T) {
	st, led := openTestLedger(t)
	ctx := context.Background()
	createExecution(t, st, "ex-1")
	createExecution(t, st, "ex-2")

	recs := []Record{
		{ExecutionID: "ex-1", Event: EventRoleChanged, Payload: `{"group":"a","role":"active"}`},
		{ExecutionID: "ex-1", Event: EventCanaryVerdict},
		{ExecutionID: "ex-2", Event: EventRoleChanged, Payload: `{"group":"b","role":"disabled"}`},
	}
	for _, rec := range recs {
		if err := led.Append(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	roleChanges, err := led.ByEvent(ctx, EventRoleChanged)
	if err != nil {
		t.Fatalf("ByEvent() error = %v", err)
	}
	if len(roleChanges) != 2 {
		t.Fatalf("ByEvent(role_changed) returned %d records, want 2", len(roleChanges))
	}
	if roleChanges[0].Payload == "" {
		t.Error("payload not persisted")
	}
}
