package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labflow/labflow/internal/domain/catalog"
	"github.com/labflow/labflow/internal/domain/identity"
	"github.com/labflow/labflow/internal/domain/resolver"
	"github.com/labflow/labflow/internal/platform/metrics"
)

type mockRepo struct {
	orders     map[uuid.UUID]*LabOrder
	nextNumber int64

	// beforeUpdate runs before each UpdateAggregate, letting tests
	// simulate a concurrent writer.
	beforeUpdate func(*mockRepo)
}

func newMockRepo() *mockRepo {
	return &mockRepo{orders: make(map[uuid.UUID]*LabOrder)}
}

func cloneOrder(o *LabOrder) *LabOrder {
	cp := *o
	cp.Tests = append([]TestItem(nil), o.Tests...)
	cp.DoctorID = clonePtr(o.DoctorID)
	cp.EncounterID = clonePtr(o.EncounterID)
	return &cp
}

func clonePtr(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	cp := *id
	return &cp
}

func (m *mockRepo) Create(_ context.Context, o *LabOrder) error {
	m.nextNumber++
	o.OrderNumber = m.nextNumber
	o.Version = 1
	o.OrderedAt = time.Now()
	o.UpdatedAt = o.OrderedAt
	m.orders[o.ID] = cloneOrder(o)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*LabOrder, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *mockRepo) List(_ context.Context, filter Filter) ([]*LabOrder, int, error) {
	var out []*LabOrder
	for _, o := range m.orders {
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.Status == "" && !filter.IncludeClosed && o.Status.Terminal() {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	return out, len(out), nil
}

func (m *mockRepo) UpdateAggregate(_ context.Context, o *LabOrder, expectedVersion int) error {
	if m.beforeUpdate != nil {
		m.beforeUpdate(m)
	}
	stored, ok := m.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	o.Version = expectedVersion + 1
	m.orders[o.ID] = cloneOrder(o)
	return nil
}

func (m *mockRepo) Rebind(_ context.Context, id uuid.UUID, field RebindField, newID uuid.UUID) error {
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	switch field {
	case RebindPatient:
		o.PatientID = newID
	case RebindDoctor:
		o.DoctorID = &newID
	}
	return nil
}

func (m *mockRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.orders[id]; !ok {
		return ErrNotFound
	}
	delete(m.orders, id)
	return nil
}

type mockHistory struct {
	changes []*StatusChange
}

func (m *mockHistory) Append(_ context.Context, c *StatusChange) error {
	m.changes = append(m.changes, c)
	return nil
}

func (m *mockHistory) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*StatusChange, error) {
	var out []*StatusChange
	for _, c := range m.changes {
		if c.OrderID == orderID {
			out = append(out, c)
		}
	}
	return out, nil
}

type mockResolver struct {
	persons map[uuid.UUID]*identity.Person
	defs    map[uuid.UUID]*catalog.TestDefinition
}

func (m *mockResolver) ResolvePersons(_ context.Context, ids []uuid.UUID) (resolver.PersonResult, error) {
	result := resolver.PersonResult{Resolved: make(map[uuid.UUID]*identity.Person)}
	for _, id := range ids {
		if p, ok := m.persons[id]; ok {
			result.Resolved[id] = p
		} else {
			result.Missing = append(result.Missing, id)
		}
	}
	return result, nil
}

func (m *mockResolver) ResolveTestDefinitions(_ context.Context, ids []uuid.UUID) (resolver.DefinitionResult, error) {
	result := resolver.DefinitionResult{Resolved: make(map[uuid.UUID]*catalog.TestDefinition)}
	for _, id := range ids {
		if d, ok := m.defs[id]; ok {
			result.Resolved[id] = d
		} else {
			result.Missing = append(result.Missing, id)
		}
	}
	return result, nil
}

type fixture struct {
	svc      *Service
	repo     *mockRepo
	history  *mockHistory
	resolver *mockResolver
	patient  uuid.UUID
	doctor   uuid.UUID
	cbc      uuid.UUID // 2500 cents
	lipid    uuid.UUID // 1500 cents
}

func newFixture() *fixture {
	f := &fixture{
		repo:    newMockRepo(),
		history: &mockHistory{},
		patient: uuid.New(),
		doctor:  uuid.New(),
		cbc:     uuid.New(),
		lipid:   uuid.New(),
	}
	f.resolver = &mockResolver{
		persons: map[uuid.UUID]*identity.Person{
			f.patient: {ID: f.patient, FirstName: "Ada", LastName: "Okafor", Role: identity.RolePatient},
			f.doctor:  {ID: f.doctor, FirstName: "Sam", LastName: "Reyes", Role: identity.RoleDoctor},
		},
		defs: map[uuid.UUID]*catalog.TestDefinition{
			f.cbc:   {ID: f.cbc, Code: "CBC", Name: "Complete Blood Count", PriceCents: 2500, Active: true},
			f.lipid: {ID: f.lipid, Code: "LIP", Name: "Lipid Panel", PriceCents: 1500, Active: true},
		},
	}
	f.svc = NewService(f.repo, f.history, f.resolver, metrics.NewRegistry(), zerolog.Nop())
	return f
}

func (f *fixture) createTwoTestOrder(t *testing.T) *LabOrder {
	t.Helper()
	o, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		PatientID: f.patient,
		DoctorID:  &f.doctor,
		Tests: []TestRequest{
			{TestID: f.cbc, Priority: PriorityUrgent},
			{TestID: f.lipid, Priority: PriorityRoutine},
		},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return o
}

func TestCreateOrderTotalsAndStatus(t *testing.T) {
	f := newFixture()
	o := f.createTwoTestOrder(t)

	if o.TotalAmountCents != 4000 {
		t.Errorf("TotalAmountCents = %d, want 4000", o.TotalAmountCents)
	}
	if o.Status != StatusOrdered {
		t.Errorf("Status = %s, want %s", o.Status, StatusOrdered)
	}
	if o.OrderNumber == 0 {
		t.Error("expected order number to be assigned")
	}
	if len(o.Tests) != 2 {
		t.Fatalf("expected 2 tests, got %d", len(o.Tests))
	}
	if o.Tests[0].PriceSnapshotCents != 2500 || o.Tests[1].PriceSnapshotCents != 1500 {
		t.Error("price snapshots not captured from catalog")
	}
}

func TestCreateOrderRequiresTests(t *testing.T) {
	f := newFixture()
	_, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{PatientID: f.patient})
	if !errors.Is(err, ErrNoTests) {
		t.Fatalf("expected ErrNoTests, got %v", err)
	}
}

func TestCreateOrderUnknownPatient(t *testing.T) {
	f := newFixture()
	_, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		PatientID: uuid.New(),
		Tests:     []TestRequest{{TestID: f.cbc}},
	})
	if !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("expected ErrInvalidReference, got %v", err)
	}
}

func TestCreateOrderDoctorOptional(t *testing.T) {
	f := newFixture()
	o, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		PatientID: f.patient,
		Tests:     []TestRequest{{TestID: f.cbc}},
	})
	if err != nil {
		t.Fatalf("CreateOrder without doctor: %v", err)
	}
	if o.DoctorID != nil {
		t.Error("expected nil doctor id")
	}

	unknown := uuid.New()
	_, err = f.svc.CreateOrder(context.Background(), CreateOrderInput{
		PatientID: f.patient,
		DoctorID:  &unknown,
		Tests:     []TestRequest{{TestID: f.cbc}},
	})
	if !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("expected ErrInvalidReference for unknown doctor, got %v", err)
	}
}

func TestCreateOrderInactiveDefinition(t *testing.T) {
	f := newFixture()
	f.resolver.defs[f.cbc].Active = false

	_, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		PatientID: f.patient,
		Tests:     []TestRequest{{TestID: f.cbc}},
	})
	if !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("expected ErrInvalidReference, got %v", err)
	}
}

func TestCreateOrderDefaultPriority(t *testing.T) {
	f := newFixture()
	o, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		PatientID: f.patient,
		Tests:     []TestRequest{{TestID: f.cbc}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if o.Tests[0].Priority != PriorityRoutine {
		t.Errorf("Priority = %s, want Routine", o.Tests[0].Priority)
	}
}

func (f *fixture) completeTest(t *testing.T, orderID, itemID uuid.UUID) *LabOrder {
	t.Helper()
	var o *LabOrder
	var err error
	for _, next := range []TestStatus{TestStatusCollected, TestStatusInProgress, TestStatusCompleted} {
		o, err = f.svc.TransitionTestStatus(context.Background(), orderID, itemID, next, "tech-1")
		if err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	return o
}

func TestCompleteAndCancelDerivesCompleted(t *testing.T) {
	f := newFixture()
	o := f.createTwoTestOrder(t)

	f.completeTest(t, o.ID, o.Tests[0].ID)
	final, err := f.svc.TransitionTestStatus(context.Background(), o.ID, o.Tests[1].ID, TestStatusCancelled, "tech-1")
	if err != nil {
		t.Fatalf("cancel second test: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Errorf("Status = %s, want %s", final.Status, StatusCompleted)
	}
}

func TestIllegalTransitionLeavesStateUnchanged(t *testing.T) {
	f := newFixture()
	o := f.createTwoTestOrder(t)
	f.completeTest(t, o.ID, o.Tests[0].ID)

	_, err := f.svc.TransitionTestStatus(context.Background(), o.ID, o.Tests[0].ID, TestStatusCollected, "tech-1")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	reloaded, err := f.svc.GetOrder(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if reloaded.FindTest(o.Tests[0].ID).Status != TestStatusCompleted {
		t.Error("failed transition must not change test status")
	}
}

func TestTransitionSkippingStateFails(t *testing.T) {
	f := newFixture()
	o := f.createTwoTestOrder(t)

	_, err := f.svc.TransitionTestStatus(context.Background(), o.ID, o.Tests[0].ID, TestStatusCompleted, "tech-1")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for Ordered -> Completed, got %v", err)
	}
}

func TestTransitionUnknownTestItem(t *testing.T) {
	f := newFixture()
	o := f.createTwoTestOrder(t)

	_, err := f.svc.TransitionTestStatus(context.Background(), o.ID, uuid.New(), TestStatusCollected, "tech-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendTestOnClosedOrder(t *testing.T) {
	f := newFixture()
	o := f.createTwoTestOrder(t)
	f.completeTest(t, o.ID, o.Tests[0].ID)
	closed, err := f.svc.TransitionTestStatus(context.Background(), o.ID, o.Tests[1].ID, TestStatusCancelled, "tech-1")
	if err != nil {
		t.Fatalf("close order: %v", err)
	}
	if !closed.Closed() {
		t.Fatal("order should be closed")
	}

	_, err = f.svc.AppendTest(context.Background(), o.ID, TestRequest{TestID: f.lipid}, "tech-1")
	if !errors.Is(err, ErrOrderClosed) {
		t.Fatalf("expected ErrOrderClosed, got %v", err)
	}

	reloaded, _ := f.svc.GetOrder(context.Background(), o.ID)
	if len(reloaded.Tests) != 2 || reloaded.TotalAmountCents != closed.TotalAmountCents {
		t.Error("rejected append must leave tests and total unchanged")
	}
}

func TestAppendTestSnapshotsCurrentPrice(t *testing.T) {
	f := newFixture()
	o := f.createTwoTestOrder(t)

	// Catalog price changes must not touch existing snapshots.
	f.resolver.defs[f.cbc].PriceCents = 9999

	updated, err := f.svc.AppendTest(context.Background(), o.ID, TestRequest{TestID: f.cbc, Priority: PrioritySTAT}, "tech-1")
	if err != nil {
		t.Fatalf("AppendTest: %v", err)
	}
	if len(updated.Tests) != 3 {
		t.Fatalf("expected 3 tests, got %d", len(updated.Tests))
	}
	if updated.Tests[0].PriceSnapshotCents != 2500 {
		t.Error("existing snapshot mutated by catalog price change")
	}
	if updated.Tests[2].PriceSnapshotCents != 9999 {
		t.Error("appended test should snapshot the current price")
	}
	if updated.TotalAmountCents != 2500+1500+9999 {
		t.Errorf("TotalAmountCents = %d, want %d", updated.TotalAmountCents, 2500+1500+9999)
	}
}

func TestRemoveTestRecomputesTotal(t *testing.T) {
	f := newFixture()
	o := f.createTwoTestOrder(t)

	updated, err := f.svc.RemoveTest(context.Background(), o.ID, o.Tests[1].ID, "tech-1")
	if err != nil {
		t.Fatalf("RemoveTest: %v", err)
	}
	if len(updated.Tests) != 1 {
		t.Fatalf("expected 1 test, got %d", len(updated.Tests))
	}
	if updated.TotalAmountCents != 2500 {
		t.Errorf("TotalAmountCents = %d, want 2500", updated.TotalAmountCents)
	}
}

func TestRemoveLastTestCancelsOrder(t *testing.T) {
	f := newFixture()
	o, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		PatientID: f.patient,
		Tests:     []TestRequest{{TestID: f.cbc}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	updated, err := f.svc.RemoveTest(context.Background(), o.ID, o.Tests[0].ID, "tech-1")
	if err != nil {
		t.Fatalf("RemoveTest: %v", err)
	}
	if len(updated.Tests) != 1 {
		t.Fatal("last test must be kept, not removed")
	}
	if updated.Status != StatusCancelled {
		t.Errorf("Status = %s, want %s", updated.Status, StatusCancelled)
	}
}

func TestCancelOrder(t *testing.T) {
	f := newFixture()
	o := f.createTwoTestOrder(t)

	updated, err := f.svc.CancelOrder(context.Background(), o.ID, "tech-1")
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if updated.Status != StatusCancelled {
		t.Errorf("Status = %s, want %s", updated.Status, StatusCancelled)
	}

	if _, err := f.svc.CancelOrder(context.Background(), o.ID, "tech-1"); !errors.Is(err, ErrOrderClosed) {
		t.Fatalf("expected ErrOrderClosed on second cancel, got %v", err)
	}
}

func TestCancelOrderKeepsCompletedWork(t *testing.T) {
	f := newFixture()
	o := f.createTwoTestOrder(t)
	f.completeTest(t, o.ID, o.Tests[0].ID)

	updated, err := f.svc.CancelOrder(context.Background(), o.ID, "tech-1")
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if updated.FindTest(o.Tests[0].ID).Status != TestStatusCompleted {
		t.Error("cancel must not undo completed tests")
	}
	if updated.Status != StatusCompleted {
		t.Errorf("Status = %s, want %s", updated.Status, StatusCompleted)
	}
}

func TestConcurrentTransitionsPreserveBoth(t *testing.T) {
	f := newFixture()
	o := f.createTwoTestOrder(t)
	secondItem := o.Tests[1].ID

	// Simulate a competing writer landing between our read and write:
	// the first UpdateAggregate hits a stale version, the retry sees
	// the other writer's change and must carry it forward.
	interfered := false
	f.repo.beforeUpdate = func(m *mockRepo) {
		if interfered {
			return
		}
		interfered = true
		stored := m.orders[o.ID]
		stored.FindTest(secondItem).Status = TestStatusCollected
		stored.Recompute()
		stored.Version++
	}

	updated, err := f.svc.TransitionTestStatus(context.Background(), o.ID, o.Tests[0].ID, TestStatusCollected, "tech-1")
	if err != nil {
		t.Fatalf("TransitionTestStatus: %v", err)
	}
	if updated.FindTest(o.Tests[0].ID).Status != TestStatusCollected {
		t.Error("our transition lost")
	}
	if updated.FindTest(secondItem).Status != TestStatusCollected {
		t.Error("concurrent writer's transition lost")
	}
	if updated.Status != StatusPartiallyInProgress {
		t.Errorf("Status = %s, want %s", updated.Status, StatusPartiallyInProgress)
	}
}

func TestConflictRetriesExhausted(t *testing.T) {
	f := newFixture()
	o := f.createTwoTestOrder(t)

	f.repo.beforeUpdate = func(m *mockRepo) {
		m.orders[o.ID].Version++
	}

	_, err := f.svc.TransitionTestStatus(context.Background(), o.ID, o.Tests[0].ID, TestStatusCollected, "tech-1")
	if !errors.Is(err, ErrConflictRetryExhausted) {
		t.Fatalf("expected ErrConflictRetryExhausted, got %v", err)
	}
}

func TestStatusHistoryRecordsActor(t *testing.T) {
	f := newFixture()
	o := f.createTwoTestOrder(t)

	if _, err := f.svc.TransitionTestStatus(context.Background(), o.ID, o.Tests[0].ID, TestStatusCollected, "tech-7"); err != nil {
		t.Fatalf("TransitionTestStatus: %v", err)
	}

	changes, err := f.svc.GetStatusHistory(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("GetStatusHistory: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	c := changes[0]
	if c.ChangedBy != "tech-7" {
		t.Errorf("ChangedBy = %s, want tech-7", c.ChangedBy)
	}
	if c.FromStatus != string(TestStatusOrdered) || c.ToStatus != string(TestStatusCollected) {
		t.Errorf("change = %s -> %s, want Ordered -> Collected", c.FromStatus, c.ToStatus)
	}
}

func TestDeleteOrder(t *testing.T) {
	f := newFixture()
	o := f.createTwoTestOrder(t)

	if err := f.svc.DeleteOrder(context.Background(), o.ID); err != nil {
		t.Fatalf("DeleteOrder: %v", err)
	}
	if _, err := f.svc.GetOrder(context.Background(), o.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
