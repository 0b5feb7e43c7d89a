package cutover

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rolloutd/internal/infra"
	"rolloutd/internal/ledger"
	"rolloutd/internal/pipeline"
	"rolloutd/internal/store"
)

type fixture struct {
	store  *store.Store
	ledger *ledger.Ledger
	infra  *infra.Fake
	ctrl   *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	led := ledger.New(st.DB())
	fake := infra.NewFake()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &fixture{
		store:  st,
		ledger: led,
		infra:  fake,
		ctrl:   New(st, led, fake, logger),
	}
}

func (f *fixture) addGroup(t *testing.T, service, name string, role pipeline.Role) {
	t.Helper()
	ctx := context.Background()

	if err := f.store.CreateGroup(ctx, &pipeline.ServerGroup{
		Service:    service,
		Name:       name,
		ArtifactID: name + "@v1",
		Role:       pipeline.RoleCandidate,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateGroup(%s) error = %v", name, err)
	}
	if _, err := f.infra.Apply(ctx, infra.DeploySpec{
		Service: service, GroupName: name, Replicas: 2,
	}); err != nil {
		t.Fatalf("Apply(%s) error = %v", name, err)
	}

	if role != pipeline.RoleCandidate {
		tx, err := f.store.BeginTx(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.store.TransitionRoles(ctx, tx, service, map[string]pipeline.Role{name: role}); err != nil {
			tx.Rollback()
			t.Fatalf("TransitionRoles(%s->%s) error = %v", name, role, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) execContext(service, candidate, rollbackTarget string) pipeline.Context {
	return pipeline.Context{
		ExecutionID:    "ex-1",
		Service:        service,
		Artifact:       pipeline.Artifact{ID: service + "@v2"},
		RollbackTarget: rollbackTarget,
		CandidateGroup: candidate,
	}
}

func TestBlueGreen(t *testing.T) {
	f := newFixture(t)
	f.addGroup(t, "payments", "payments-old", pipeline.RoleActive)
	f.addGroup(t, "payments", "payments-new", pipeline.RoleCandidate)
	ctx := context.Background()

	ec := f.execContext("payments", "payments-new", "payments-old")
	if err := f.ctrl.BlueGreen(ctx, ec); err != nil {
		t.Fatalf("BlueGreen() error = %v", err)
	}

	// One weight request carried both assignments.
	if len(f.infra.WeightLog) != 1 {
		t.Fatalf("SetTrafficWeights called %d times, want 1", len(f.infra.WeightLog))
	}
	weights := f.infra.Weights("payments")
	if weights["payments-new"] != 100 || weights["payments-old"] != 0 {
		t.Errorf("weights = %v", weights)
	}

	active, err := f.store.ActiveGroup(ctx, "payments")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.Name != "payments-new" {
		t.Errorf("ActiveGroup() = %+v, want payments-new", active)
	}
	old, err := f.store.GetGroup(ctx, "payments", "payments-old")
	if err != nil {
		t.Fatal(err)
	}
	if old.Role != pipeline.RoleDisabled {
		t.Errorf("old group role = %s, want disabled", old.Role)
	}

	// Cutover and role changes are on the ledger.
	records, err := f.ledger.ByEvent(ctx, ledger.EventCutoverApplied)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("cutover.applied records = %d, want 1", len(records))
	}
}

func TestBlueGreenFirstDeploy(t *testing.T) {
	f := newFixture(t)
	f.addGroup(t, "payments", "payments-new", pipeline.RoleCandidate)
	ctx := context.Background()

	ec := f.execContext("payments", "payments-new", "")
	if err := f.ctrl.BlueGreen(ctx, ec); err != nil {
		t.Fatalf("BlueGreen() error = %v", err)
	}

	active, err := f.store.ActiveGroup(ctx, "payments")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.Name != "payments-new" {
		t.Errorf("ActiveGroup() = %+v, want payments-new", active)
	}
}

func TestBlueGreenReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addGroup(t, "payments", "payments-old", pipeline.RoleActive)
	f.addGroup(t, "payments", "payments-new", pipeline.RoleCandidate)
	ctx := context.Background()

	// A crash between the cutover commit and the stage advance makes
	// recovery run the stage again with the candidate already active.
	ec := f.execContext("payments", "payments-new", "payments-old")
	if err := f.ctrl.BlueGreen(ctx, ec); err != nil {
		t.Fatalf("BlueGreen() error = %v", err)
	}
	if err := f.ctrl.BlueGreen(ctx, ec); err != nil {
		t.Fatalf("BlueGreen() replay error = %v", err)
	}

	// The replay is a no-op: no second weight request, traffic and
	// roles untouched.
	if len(f.infra.WeightLog) != 1 {
		t.Errorf("SetTrafficWeights called %d times, want 1", len(f.infra.WeightLog))
	}
	weights := f.infra.Weights("payments")
	if weights["payments-new"] != 100 || weights["payments-old"] != 0 {
		t.Errorf("weights after replay = %v", weights)
	}
	active, err := f.store.ActiveGroup(ctx, "payments")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.Name != "payments-new" {
		t.Errorf("ActiveGroup() after replay = %+v, want payments-new", active)
	}
	records, err := f.ledger.ByEvent(ctx, ledger.EventCutoverApplied)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("cutover.applied records = %d, want 1", len(records))
	}
}

func TestRampStepReplayAfterPromotion(t *testing.T) {
	f := newFixture(t)
	f.addGroup(t, "payments", "payments-old", pipeline.RoleActive)
	f.addGroup(t, "payments", "payments-new", pipeline.RoleCandidate)
	ctx := context.Background()

	ec := f.execContext("payments", "payments-new", "payments-old")
	if err := f.ctrl.RampStep(ctx, ec, 100); err != nil {
		t.Fatalf("RampStep(100) error = %v", err)
	}
	if err := f.ctrl.RampStep(ctx, ec, 100); err != nil {
		t.Fatalf("RampStep(100) replay error = %v", err)
	}

	if len(f.infra.WeightLog) != 1 {
		t.Errorf("SetTrafficWeights called %d times, want 1", len(f.infra.WeightLog))
	}
	weights := f.infra.Weights("payments")
	if weights["payments-new"] != 100 || weights["payments-old"] != 0 {
		t.Errorf("weights after replay = %v", weights)
	}
	active, err := f.store.ActiveGroup(ctx, "payments")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.Name != "payments-new" {
		t.Errorf("ActiveGroup() after replay = %+v, want payments-new", active)
	}
}

func TestBlueGreenDetectsPartialApplication(t *testing.T) {
	f := newFixture(t)
	f.addGroup(t, "payments", "payments-old", pipeline.RoleActive)
	f.addGroup(t, "payments", "payments-new", pipeline.RoleCandidate)
	ctx := context.Background()

	// The infra applies every weight except the candidate's.
	f.infra.PartialWeightGroup = "payments-new"

	ec := f.execContext("payments", "payments-new", "payments-old")
	err := f.ctrl.BlueGreen(ctx, ec)

	var cf *CutoverFailure
	if !errors.As(err, &cf) {
		t.Fatalf("BlueGreen() error = %v, want CutoverFailure", err)
	}
	if cf.Intended["payments-new"] != 100 {
		t.Errorf("CutoverFailure.Intended = %v", cf.Intended)
	}

	// Roles must not have changed.
	active, err := f.store.ActiveGroup(ctx, "payments")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.Name != "payments-old" {
		t.Errorf("ActiveGroup() after failed cutover = %+v, want payments-old", active)
	}

	records, err := f.ledger.ByEvent(ctx, ledger.EventCutoverFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) == 0 {
		t.Error("no cutover.failed record on the ledger")
	}
}

func TestRampStep(t *testing.T) {
	f := newFixture(t)
	f.addGroup(t, "payments", "payments-old", pipeline.RoleActive)
	f.addGroup(t, "payments", "payments-canary", pipeline.RoleCandidate)
	ctx := context.Background()

	ec := f.execContext("payments", "payments-canary", "payments-old")

	if err := f.ctrl.RampStep(ctx, ec, 25); err != nil {
		t.Fatalf("RampStep(25) error = %v", err)
	}
	weights := f.infra.Weights("payments")
	if weights["payments-canary"] != 25 || weights["payments-old"] != 75 {
		t.Errorf("weights after 25%% = %v", weights)
	}
	// Intermediate step must not promote.
	active, err := f.store.ActiveGroup(ctx, "payments")
	if err != nil {
		t.Fatal(err)
	}
	if active.Name != "payments-old" {
		t.Errorf("ActiveGroup() after 25%% = %s, want payments-old", active.Name)
	}

	if err := f.ctrl.RampStep(ctx, ec, 100); err != nil {
		t.Fatalf("RampStep(100) error = %v", err)
	}
	active, err = f.store.ActiveGroup(ctx, "payments")
	if err != nil {
		t.Fatal(err)
	}
	if active.Name != "payments-canary" {
		t.Errorf("ActiveGroup() after 100%% = %s, want payments-canary", active.Name)
	}
}

func TestCollapse(t *testing.T) {
	f := newFixture(t)
	f.addGroup(t, "payments", "payments-old", pipeline.RoleActive)
	f.addGroup(t, "payments", "payments-canary", pipeline.RoleCandidate)
	ctx := context.Background()
	f.infra.SetWeights("payments", map[string]int{"payments-old": 75, "payments-canary": 25})

	ec := f.execContext("payments", "payments-canary", "payments-old")
	if err := f.ctrl.Collapse(ctx, ec); err != nil {
		t.Fatalf("Collapse() error = %v", err)
	}

	weights := f.infra.Weights("payments")
	if weights["payments-canary"] != 0 || weights["payments-old"] != 100 {
		t.Errorf("weights after collapse = %v", weights)
	}
	if got := f.infra.Replicas("payments", "payments-canary"); got != 0 {
		t.Errorf("canary replicas = %d, want 0", got)
	}

	records, err := f.ledger.ByEvent(ctx, ledger.EventCanaryScaledDown)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("canary.scaled_down records = %d, want 1", len(records))
	}
}

func TestRollback(t *testing.T) {
	f := newFixture(t)
	f.addGroup(t, "payments", "payments-old", pipeline.RoleActive)
	f.addGroup(t, "payments", "payments-new", pipeline.RoleCandidate)
	ctx := context.Background()

	ec := f.execContext("payments", "payments-new", "payments-old")
	if err := f.ctrl.BlueGreen(ctx, ec); err != nil {
		t.Fatal(err)
	}

	if err := f.ctrl.Rollback(ctx, ec); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}

	weights := f.infra.Weights("payments")
	if weights["payments-old"] != 100 || weights["payments-new"] != 0 {
		t.Errorf("weights after rollback = %v", weights)
	}
	active, err := f.store.ActiveGroup(ctx, "payments")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.Name != "payments-old" {
		t.Errorf("ActiveGroup() after rollback = %+v, want payments-old", active)
	}

	records, err := f.ledger.ByEvent(ctx, ledger.EventRollbackApplied)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("rollback.applied records = %d, want 1", len(records))
	}
}

func TestRollbackWithoutTarget(t *testing.T) {
	// First deploy: no previous active group. Rollback leaves no group
	// serving traffic.
	f := newFixture(t)
	f.addGroup(t, "payments", "payments-new", pipeline.RoleCandidate)
	ctx := context.Background()

	ec := f.execContext("payments", "payments-new", "")
	if err := f.ctrl.BlueGreen(ctx, ec); err != nil {
		t.Fatal(err)
	}

	if err := f.ctrl.Rollback(ctx, ec); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	weights := f.infra.Weights("payments")
	if weights["payments-new"] != 0 {
		t.Errorf("weights after rollback = %v, want candidate at 0", weights)
	}
	active, err := f.store.ActiveGroup(ctx, "payments")
	if err != nil {
		t.Fatal(err)
	}
	if active != nil {
		t.Errorf("ActiveGroup() after rollback = %+v, want none", active)
	}
}

func TestRollbackFailureIsTyped(t *testing.T) {
	f := newFixture(t)
	f.addGroup(t, "payments", "payments-new", pipeline.RoleCandidate)
	ctx := context.Background()

	ec := f.execContext("payments", "payments-new", "payments-gone")
	err := f.ctrl.Rollback(ctx, ec)

	var rf *RollbackFailure
	if !errors.As(err, &rf) {
		t.Fatalf("Rollback() error = %v, want RollbackFailure", err)
	}
	if rf.Target != "payments-gone" {
		t.Errorf("RollbackFailure.Target = %q", rf.Target)
	}

	records, lerr := f.ledger.ByEvent(ctx, ledger.EventRollbackFailed)
	if lerr != nil {
		t.Fatal(lerr)
	}
	if len(records) == 0 {
		t.Error("no rollback.failed record on the ledger")
	}
}

func TestLockSerializesPerService(t *testing.T) {
	f := newFixture(t)

	f.ctrl.Lock("payments")

	// Same service blocks.
	acquired := make(chan struct{})
	go func() {
		f.ctrl.Lock("payments")
		close(acquired)
		f.ctrl.Unlock("payments")
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock(payments) acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	// A different service does not block.
	done := make(chan struct{})
	go func() {
		f.ctrl.Lock("billing")
		f.ctrl.Unlock("billing")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Lock(billing) blocked on Lock(payments)")
	}

	f.ctrl.Unlock("payments")
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock(payments) never acquired after Unlock")
	}
}

func TestLockTableTryLock(t *testing.T) {
	lt := newLockTable()

	if !lt.TryLock("svc") {
		t.Fatal("TryLock() on free lock = false")
	}
	if lt.TryLock("svc") {
		t.Fatal("TryLock() on held lock = true")
	}
	lt.Unlock("svc")
	if !lt.TryLock("svc") {
		t.Fatal("TryLock() after Unlock = false")
	}
	lt.Unlock("svc")
}

// Concurrent cutovers for different services proceed independently.
func TestConcurrentCutoversDifferentServices(t *testing.T) {
	f := newFixture(t)
	f.addGroup(t, "payments", "payments-new", pipeline.RoleCandidate)
	f.addGroup(t, "billing", "billing-new", pipeline.RoleCandidate)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, svc := range []string{"payments", "billing"} {
		i, svc := i, svc
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.ctrl.Lock(svc)
			defer f.ctrl.Unlock(svc)
			errs[i] = f.ctrl.BlueGreen(ctx, f.execContext(svc, svc+"-new", ""))
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("cutover %d error = %v", i, err)
		}
	}
}
