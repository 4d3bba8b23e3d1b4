// Package reconcile holds the operational repair routines for reference
// breakage: scanning for orphaned references, backfilling missing catalog
// entries and rebinding broken person references. The scan is a pure
// read; the repairs are idempotent and never touch frozen price
// snapshots or terminal order state beyond the named reference field.
package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labflow/labflow/internal/domain/catalog"
	"github.com/labflow/labflow/internal/domain/order"
	"github.com/labflow/labflow/internal/domain/resolver"
)

// scanBatchSize bounds how many orders one scan page loads.
const scanBatchSize = 500

// OrphanReport lists every unresolvable reference found by a scan and
// the orders carrying them.
type OrphanReport struct {
	MissingPatients        []uuid.UUID `json:"missing_patients"`
	MissingDoctors         []uuid.UUID `json:"missing_doctors"`
	MissingTestDefinitions []uuid.UUID `json:"missing_test_definitions"`
	AffectedOrders         []uuid.UUID `json:"affected_orders"`
	OrdersScanned          int         `json:"orders_scanned"`
}

// ReferenceResolver is the slice of the resolver this service needs.
type ReferenceResolver interface {
	ResolvePersons(ctx context.Context, ids []uuid.UUID) (resolver.PersonResult, error)
	ResolveTestDefinitions(ctx context.Context, ids []uuid.UUID) (resolver.DefinitionResult, error)
}

type Service struct {
	orders   order.Repository
	catalog  *catalog.Service
	resolver ReferenceResolver
	logger   zerolog.Logger
}

func NewService(orders order.Repository, catalogSvc *catalog.Service, res ReferenceResolver, logger zerolog.Logger) *Service {
	return &Service{orders: orders, catalog: catalogSvc, resolver: res, logger: logger}
}

// FindOrphanedReferences scans every order, terminal ones included, and
// reports references that no longer resolve. Safe to run at any time.
func (s *Service) FindOrphanedReferences(ctx context.Context) (*OrphanReport, error) {
	report := &OrphanReport{}
	affected := make(map[uuid.UUID]struct{})
	missingPatients := make(map[uuid.UUID]struct{})
	missingDoctors := make(map[uuid.UUID]struct{})
	missingDefs := make(map[uuid.UUID]struct{})

	for offset := 0; ; offset += scanBatchSize {
		orders, total, err := s.orders.List(ctx, order.Filter{
			IncludeClosed: true,
			Limit:         scanBatchSize,
			Offset:        offset,
		})
		if err != nil {
			return nil, fmt.Errorf("scan orders: %w", err)
		}
		if len(orders) == 0 {
			break
		}
		report.OrdersScanned += len(orders)

		if err := s.scanBatch(ctx, orders, affected, missingPatients, missingDoctors, missingDefs); err != nil {
			return nil, err
		}
		if report.OrdersScanned >= total {
			break
		}
	}

	report.MissingPatients = keys(missingPatients)
	report.MissingDoctors = keys(missingDoctors)
	report.MissingTestDefinitions = keys(missingDefs)
	report.AffectedOrders = keys(affected)

	s.logger.Info().
		Int("orders_scanned", report.OrdersScanned).
		Int("affected_orders", len(report.AffectedOrders)).
		Int("missing_patients", len(report.MissingPatients)).
		Int("missing_doctors", len(report.MissingDoctors)).
		Int("missing_test_definitions", len(report.MissingTestDefinitions)).
		Msg("orphan scan complete")
	return report, nil
}

func (s *Service) scanBatch(ctx context.Context, orders []*order.LabOrder,
	affected, missingPatients, missingDoctors, missingDefs map[uuid.UUID]struct{}) error {

	var personIDs, testIDs []uuid.UUID
	for _, o := range orders {
		personIDs = append(personIDs, o.PatientID)
		if o.DoctorID != nil {
			personIDs = append(personIDs, *o.DoctorID)
		}
		for _, t := range o.Tests {
			testIDs = append(testIDs, t.TestID)
		}
	}

	persons, err := s.resolver.ResolvePersons(ctx, personIDs)
	if err != nil {
		return fmt.Errorf("resolve persons: %w", err)
	}
	defs, err := s.resolver.ResolveTestDefinitions(ctx, testIDs)
	if err != nil {
		return fmt.Errorf("resolve test definitions: %w", err)
	}

	for _, o := range orders {
		broken := false
		if _, ok := persons.Resolved[o.PatientID]; !ok {
			missingPatients[o.PatientID] = struct{}{}
			broken = true
		}
		if o.DoctorID != nil {
			if _, ok := persons.Resolved[*o.DoctorID]; !ok {
				missingDoctors[*o.DoctorID] = struct{}{}
				broken = true
			}
		}
		for _, t := range o.Tests {
			if _, ok := defs.Resolved[t.TestID]; !ok {
				missingDefs[t.TestID] = struct{}{}
				broken = true
			}
		}
		if broken {
			affected[o.ID] = struct{}{}
		}
	}
	return nil
}

// RepairTestDefinition backfills a missing catalog entry. Inserting a
// definition that already exists is a no-op; existing orders keep their
// own price snapshots either way. Returns whether a row was inserted.
func (s *Service) RepairTestDefinition(ctx context.Context, def *catalog.TestDefinition) (bool, error) {
	inserted, err := s.catalog.EnsureDefinition(ctx, def)
	if err != nil {
		return false, err
	}
	s.logger.Info().
		Str("test_id", def.ID.String()).
		Str("code", def.Code).
		Bool("inserted", inserted).
		Msg("test definition repair")
	return inserted, nil
}

// ParseRebindField maps the external field name onto the rebindable set.
// Anything else, price snapshots included, is refused.
func ParseRebindField(name string) (order.RebindField, error) {
	switch order.RebindField(name) {
	case order.RebindPatient:
		return order.RebindPatient, nil
	case order.RebindDoctor:
		return order.RebindDoctor, nil
	default:
		return "", fmt.Errorf("%w: field %q is not rebindable", order.ErrInvalidInput, name)
	}
}

// RebindOrderReference repoints an order's patient or doctor reference at
// newID after verifying that newID itself resolves.
func (s *Service) RebindOrderReference(ctx context.Context, orderID uuid.UUID, field order.RebindField, newID uuid.UUID) error {
	if field != order.RebindPatient && field != order.RebindDoctor {
		return fmt.Errorf("%w: field %q is not rebindable", order.ErrInvalidInput, field)
	}
	if newID == uuid.Nil {
		return fmt.Errorf("%w: new id is required", order.ErrInvalidInput)
	}

	persons, err := s.resolver.ResolvePersons(ctx, []uuid.UUID{newID})
	if err != nil {
		return fmt.Errorf("resolve person: %w", err)
	}
	if len(persons.Missing) > 0 {
		return fmt.Errorf("%w: person %s does not resolve", order.ErrInvalidReference, newID)
	}

	if err := s.orders.Rebind(ctx, orderID, field, newID); err != nil {
		return err
	}
	s.logger.Info().
		Str("order_id", orderID.String()).
		Str("field", string(field)).
		Str("new_id", newID.String()).
		Msg("order reference rebound")
	return nil
}

func keys(set map[uuid.UUID]struct{}) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
