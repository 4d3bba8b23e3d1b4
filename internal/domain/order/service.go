package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labflow/labflow/internal/domain/resolver"
	"github.com/labflow/labflow/internal/platform/metrics"
)

// maxUpdateRetries bounds the reload-and-retry loop around version
// conflicts before giving up with ErrConflictRetryExhausted.
const maxUpdateRetries = 3

// ReferenceResolver is the slice of the resolver this service needs.
type ReferenceResolver interface {
	ResolvePersons(ctx context.Context, ids []uuid.UUID) (resolver.PersonResult, error)
	ResolveTestDefinitions(ctx context.Context, ids []uuid.UUID) (resolver.DefinitionResult, error)
}

type Service struct {
	repo     Repository
	history  StatusHistoryRepository
	resolver ReferenceResolver
	metrics  *metrics.Registry
	logger   zerolog.Logger
}

func NewService(repo Repository, history StatusHistoryRepository, res ReferenceResolver, reg *metrics.Registry, logger zerolog.Logger) *Service {
	return &Service{repo: repo, history: history, resolver: res, metrics: reg, logger: logger}
}

// TestRequest is one requested test within a create or append call.
type TestRequest struct {
	TestID       uuid.UUID `json:"test_id"`
	Priority     Priority  `json:"priority"`
	Instructions string    `json:"instructions"`
}

// CreateOrderInput carries everything needed to open a new order.
type CreateOrderInput struct {
	PatientID    uuid.UUID     `json:"patient_id"`
	DoctorID     *uuid.UUID    `json:"doctor_id"`
	EncounterID  *uuid.UUID    `json:"encounter_id"`
	ClinicalInfo string        `json:"clinical_info"`
	Tests        []TestRequest `json:"tests"`
}

// CreateOrder validates every reference, snapshots current catalog prices
// into the test items and persists the order with a sequence-assigned
// order number. The doctor reference is optional but must resolve when
// present.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (*LabOrder, error) {
	if len(input.Tests) == 0 {
		return nil, ErrNoTests
	}
	if input.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidInput)
	}
	for i := range input.Tests {
		if input.Tests[i].Priority == "" {
			input.Tests[i].Priority = PriorityRoutine
		}
		if !input.Tests[i].Priority.Valid() {
			return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, input.Tests[i].Priority)
		}
	}

	personIDs := []uuid.UUID{input.PatientID}
	if input.DoctorID != nil {
		personIDs = append(personIDs, *input.DoctorID)
	}
	persons, err := s.resolver.ResolvePersons(ctx, personIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve persons: %w", err)
	}
	if len(persons.Missing) > 0 {
		return nil, fmt.Errorf("%w: unknown person ids %s", ErrInvalidReference, joinIDs(persons.Missing))
	}

	testIDs := make([]uuid.UUID, 0, len(input.Tests))
	for _, t := range input.Tests {
		testIDs = append(testIDs, t.TestID)
	}
	defs, err := s.resolver.ResolveTestDefinitions(ctx, testIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve test definitions: %w", err)
	}
	if len(defs.Missing) > 0 {
		return nil, fmt.Errorf("%w: unknown test ids %s", ErrInvalidReference, joinIDs(defs.Missing))
	}

	o := &LabOrder{
		ID:           uuid.New(),
		PatientID:    input.PatientID,
		DoctorID:     input.DoctorID,
		EncounterID:  input.EncounterID,
		ClinicalInfo: input.ClinicalInfo,
	}
	for _, req := range input.Tests {
		def := defs.Resolved[req.TestID]
		if !def.Active {
			return nil, fmt.Errorf("%w: test %s is inactive", ErrInvalidReference, req.TestID)
		}
		o.Tests = append(o.Tests, TestItem{
			ID:                 uuid.New(),
			TestID:             req.TestID,
			PriceSnapshotCents: def.PriceCents,
			Priority:           req.Priority,
			Status:             TestStatusOrdered,
			Instructions:       req.Instructions,
		})
	}
	o.Recompute()

	if err := s.repo.Create(ctx, o); err != nil {
		return nil, err
	}
	s.metrics.OrdersCreated.Inc()
	s.logger.Info().
		Str("order_id", o.ID.String()).
		Int64("order_number", o.OrderNumber).
		Int("tests", len(o.Tests)).
		Msg("lab order created")
	return o, nil
}

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListOrders(ctx context.Context, filter Filter) ([]*LabOrder, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, filter.Status)
	}
	if filter.Priority != "" && !filter.Priority.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, filter.Priority)
	}
	return s.repo.List(ctx, filter)
}

// TransitionTestStatus applies one test transition, recomputes the order's
// derived state and writes the aggregate back under its version guard.
// Concurrent writers trigger a reload and retry; the audit trail records
// the acting user.
func (s *Service) TransitionTestStatus(ctx context.Context, orderID, testItemID uuid.UUID, newStatus TestStatus, actor string) (*LabOrder, error) {
	if !newStatus.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, newStatus)
	}

	var fromStatus TestStatus
	o, err := s.mutateWithRetry(ctx, orderID, func(o *LabOrder) error {
		t := o.FindTest(testItemID)
		if t == nil {
			return fmt.Errorf("%w: test item %s", ErrNotFound, testItemID)
		}
		if !CanTransition(t.Status, newStatus) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.Status, newStatus)
		}
		fromStatus = t.Status
		t.Status = newStatus
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.TestTransitions.Inc()
	s.recordChange(ctx, orderID, &testItemID, string(fromStatus), string(newStatus), actor)
	return o, nil
}

// AppendTest adds a test to an open order, snapshotting the current
// catalog price. Closed orders reject the append.
func (s *Service) AppendTest(ctx context.Context, orderID uuid.UUID, req TestRequest, actor string) (*LabOrder, error) {
	if req.Priority == "" {
		req.Priority = PriorityRoutine
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, req.Priority)
	}

	defs, err := s.resolver.ResolveTestDefinitions(ctx, []uuid.UUID{req.TestID})
	if err != nil {
		return nil, fmt.Errorf("resolve test definition: %w", err)
	}
	if len(defs.Missing) > 0 {
		return nil, fmt.Errorf("%w: unknown test id %s", ErrInvalidReference, req.TestID)
	}
	def := defs.Resolved[req.TestID]
	if !def.Active {
		return nil, fmt.Errorf("%w: test %s is inactive", ErrInvalidReference, req.TestID)
	}

	item := TestItem{
		ID:                 uuid.New(),
		TestID:             req.TestID,
		PriceSnapshotCents: def.PriceCents,
		Priority:           req.Priority,
		Status:             TestStatusOrdered,
		Instructions:       req.Instructions,
	}
	o, err := s.mutateWithRetry(ctx, orderID, func(o *LabOrder) error {
		if o.Closed() {
			return ErrOrderClosed
		}
		o.Tests = append(o.Tests, item)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.TestsAppended.Inc()
	s.recordChange(ctx, orderID, &item.ID, "", string(TestStatusOrdered), actor)
	return o, nil
}

// RemoveTest drops a test item from an open order. Removing the last test
// cancels the order instead, so the non-empty invariant holds.
func (s *Service) RemoveTest(ctx context.Context, orderID, testItemID uuid.UUID, actor string) (*LabOrder, error) {
	cancelled := false
	var fromStatus TestStatus
	o, err := s.mutateWithRetry(ctx, orderID, func(o *LabOrder) error {
		if o.Closed() {
			return ErrOrderClosed
		}
		t := o.FindTest(testItemID)
		if t == nil {
			return fmt.Errorf("%w: test item %s", ErrNotFound, testItemID)
		}
		if len(o.Tests) == 1 {
			cancelled = true
			fromStatus = t.Status
			t.Status = TestStatusCancelled
			return nil
		}
		kept := o.Tests[:0]
		for _, item := range o.Tests {
			if item.ID != testItemID {
				kept = append(kept, item)
			}
		}
		o.Tests = kept
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cancelled {
		s.recordChange(ctx, orderID, &testItemID, string(fromStatus), string(TestStatusCancelled), actor)
	}
	return o, nil
}

// CancelOrder cancels every non-terminal test on an open order. Already
// completed tests keep their status, so an order with completed work
// derives Completed rather than Cancelled.
func (s *Service) CancelOrder(ctx context.Context, orderID uuid.UUID, actor string) (*LabOrder, error) {
	var changes []StatusChange
	o, err := s.mutateWithRetry(ctx, orderID, func(o *LabOrder) error {
		if o.Closed() {
			return ErrOrderClosed
		}
		changes = changes[:0]
		for i := range o.Tests {
			t := &o.Tests[i]
			if t.Status.Terminal() {
				continue
			}
			changes = append(changes, StatusChange{
				TestItemID: &t.ID,
				FromStatus: string(t.Status),
				ToStatus:   string(TestStatusCancelled),
			})
			t.Status = TestStatusCancelled
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, c := range changes {
		s.recordChange(ctx, orderID, c.TestItemID, c.FromStatus, c.ToStatus, actor)
	}
	return o, nil
}

// DeleteOrder is the hard administrative delete. Normal closure is a
// terminal status, not deletion.
func (s *Service) DeleteOrder(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Warn().Str("order_id", id.String()).Msg("lab order hard-deleted")
	return nil
}

func (s *Service) GetStatusHistory(ctx context.Context, orderID uuid.UUID) ([]*StatusChange, error) {
	if _, err := s.repo.GetByID(ctx, orderID); err != nil {
		return nil, err
	}
	return s.history.ListByOrder(ctx, orderID)
}

// mutateWithRetry loads the order, applies mutate, recomputes derived
// state and writes back under the loaded version. A version conflict
// means another writer got there first; reload and try again up to
// maxUpdateRetries times.
func (s *Service) mutateWithRetry(ctx context.Context, orderID uuid.UUID, mutate func(*LabOrder) error) (*LabOrder, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		o, err := s.repo.GetByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if err := mutate(o); err != nil {
			return nil, err
		}
		o.Recompute()

		err = s.repo.UpdateAggregate(ctx, o, o.Version)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		s.metrics.TransitionConflicts.Inc()
		s.logger.Debug().
			Str("order_id", orderID.String()).
			Int("attempt", attempt+1).
			Msg("version conflict, retrying")
	}
	return nil, ErrConflictRetryExhausted
}

func (s *Service) recordChange(ctx context.Context, orderID uuid.UUID, testItemID *uuid.UUID, from, to, actor string) {
	change := &StatusChange{
		ID:         uuid.New(),
		OrderID:    orderID,
		TestItemID: testItemID,
		FromStatus: from,
		ToStatus:   to,
		ChangedBy:  actor,
	}
	if err := s.history.Append(ctx, change); err != nil {
		// The state change already committed; losing one audit row is
		// preferable to failing the request.
		s.logger.Error().Err(err).Str("order_id", orderID.String()).Msg("failed to record status change")
	}
}

func joinIDs(ids []uuid.UUID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}
