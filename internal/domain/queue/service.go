// Package queue builds the lab staff work queue: orders joined with
// display-ready patient, doctor and test definition data. Joins are done
// in two phases, fetch then batch-resolve, and broken references degrade
// to placeholders instead of dropping rows.
package queue

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labflow/labflow/internal/domain/order"
	"github.com/labflow/labflow/internal/domain/resolver"
	"github.com/labflow/labflow/internal/platform/metrics"
)

// PlaceholderName is rendered wherever a reference fails to resolve.
const PlaceholderName = "Unknown"

// EntryTest is one test of a queue entry with its catalog fields joined
// in. Degraded marks a test whose definition could not be resolved.
type EntryTest struct {
	TestItemID      uuid.UUID        `json:"test_item_id"`
	TestID          uuid.UUID        `json:"test_id"`
	Name            string           `json:"name"`
	Category        string           `json:"category"`
	SpecimenType    string           `json:"specimen_type"`
	TurnaroundHours int              `json:"turnaround_hours"`
	Priority        order.Priority   `json:"priority"`
	Status          order.TestStatus `json:"status"`
	Degraded        bool             `json:"degraded"`
}

// Entry is one row of the work queue.
type Entry struct {
	OrderID          uuid.UUID         `json:"order_id"`
	OrderNumber      int64             `json:"order_number"`
	Status           order.OrderStatus `json:"status"`
	Priority         order.Priority    `json:"priority"`
	OrderedAt        time.Time         `json:"ordered_at"`
	PatientID        uuid.UUID         `json:"patient_id"`
	PatientName      string            `json:"patient_name"`
	DoctorID         *uuid.UUID        `json:"doctor_id,omitempty"`
	DoctorName       string            `json:"doctor_name"`
	ClinicalInfo     string            `json:"clinical_info"`
	TotalAmountCents int64             `json:"total_amount_cents"`
	Tests            []EntryTest       `json:"tests"`
	Degraded         bool              `json:"degraded"`
}

// ReferenceResolver is the slice of the resolver this service needs.
type ReferenceResolver interface {
	ResolvePersons(ctx context.Context, ids []uuid.UUID) (resolver.PersonResult, error)
	ResolveTestDefinitions(ctx context.Context, ids []uuid.UUID) (resolver.DefinitionResult, error)
}

type Service struct {
	orders         order.Repository
	resolver       ReferenceResolver
	resolveTimeout time.Duration
	metrics        *metrics.Registry
	logger         zerolog.Logger
}

func NewService(orders order.Repository, res ReferenceResolver, resolveTimeout time.Duration, reg *metrics.Registry, logger zerolog.Logger) *Service {
	return &Service{
		orders:         orders,
		resolver:       res,
		resolveTimeout: resolveTimeout,
		metrics:        reg,
		logger:         logger,
	}
}

// GetQueue returns the queue for the given filter, sorted by priority
// severity then oldest-first, ties broken by order number. Every order
// matching the filter yields exactly one entry; missing references
// degrade to placeholders. A resolver timeout degrades the whole page
// rather than failing it, but repository failures are hard errors.
func (s *Service) GetQueue(ctx context.Context, filter order.Filter) ([]*Entry, error) {
	s.metrics.QueueRequests.Inc()
	start := time.Now()
	defer func() { s.metrics.QueueBuildSeconds.Observe(time.Since(start).Seconds()) }()

	orders, _, err := s.orders.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return []*Entry{}, nil
	}

	personIDs, testIDs := collectReferences(orders)

	resolveCtx, cancel := context.WithTimeout(ctx, s.resolveTimeout)
	defer cancel()

	persons, personErr := s.resolver.ResolvePersons(resolveCtx, personIDs)
	var defs resolver.DefinitionResult
	var defErr error
	if personErr == nil {
		defs, defErr = s.resolver.ResolveTestDefinitions(resolveCtx, testIDs)
	}

	if err := firstErr(personErr, defErr); err != nil {
		if resolveCtx.Err() == nil {
			// Not a timeout: the store itself failed and no trustworthy
			// page can be assembled.
			return nil, err
		}
		s.logger.Warn().Err(err).Int("orders", len(orders)).
			Msg("reference resolution timed out, degrading queue page")
		persons = resolver.PersonResult{Resolved: nil}
		defs = resolver.DefinitionResult{Resolved: nil}
	}

	entries := make([]*Entry, 0, len(orders))
	for _, o := range orders {
		entries = append(entries, s.buildEntry(o, persons, defs))
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra < rb
		}
		if !a.OrderedAt.Equal(b.OrderedAt) {
			return a.OrderedAt.Before(b.OrderedAt)
		}
		return a.OrderNumber < b.OrderNumber
	})
	return entries, nil
}

func collectReferences(orders []*order.LabOrder) (personIDs, testIDs []uuid.UUID) {
	seenPersons := make(map[uuid.UUID]struct{})
	seenTests := make(map[uuid.UUID]struct{})
	for _, o := range orders {
		if _, ok := seenPersons[o.PatientID]; !ok {
			seenPersons[o.PatientID] = struct{}{}
			personIDs = append(personIDs, o.PatientID)
		}
		if o.DoctorID != nil {
			if _, ok := seenPersons[*o.DoctorID]; !ok {
				seenPersons[*o.DoctorID] = struct{}{}
				personIDs = append(personIDs, *o.DoctorID)
			}
		}
		for _, t := range o.Tests {
			if _, ok := seenTests[t.TestID]; !ok {
				seenTests[t.TestID] = struct{}{}
				testIDs = append(testIDs, t.TestID)
			}
		}
	}
	return personIDs, testIDs
}

func (s *Service) buildEntry(o *order.LabOrder, persons resolver.PersonResult, defs resolver.DefinitionResult) *Entry {
	entry := &Entry{
		OrderID:          o.ID,
		OrderNumber:      o.OrderNumber,
		Status:           o.Status,
		Priority:         o.MostSeverePriority(),
		OrderedAt:        o.OrderedAt,
		PatientID:        o.PatientID,
		PatientName:      PlaceholderName,
		DoctorID:         o.DoctorID,
		ClinicalInfo:     o.ClinicalInfo,
		TotalAmountCents: o.TotalAmountCents,
	}

	if p, ok := persons.Resolved[o.PatientID]; ok {
		entry.PatientName = p.DisplayName()
	} else {
		entry.Degraded = true
		s.metrics.ResolverMissing.WithLabelValues("person").Inc()
	}

	if o.DoctorID != nil {
		if p, ok := persons.Resolved[*o.DoctorID]; ok {
			entry.DoctorName = p.DisplayName()
		} else {
			entry.DoctorName = PlaceholderName
			entry.Degraded = true
			s.metrics.ResolverMissing.WithLabelValues("person").Inc()
		}
	}

	for _, t := range o.Tests {
		et := EntryTest{
			TestItemID: t.ID,
			TestID:     t.TestID,
			Priority:   t.Priority,
			Status:     t.Status,
		}
		if def, ok := defs.Resolved[t.TestID]; ok {
			et.Name = def.Name
			et.Category = def.Category
			et.SpecimenType = def.SpecimenType
			et.TurnaroundHours = def.TurnaroundHours
		} else {
			et.Name = PlaceholderName
			et.Degraded = true
			entry.Degraded = true
			s.metrics.ResolverMissing.WithLabelValues("test_definition").Inc()
		}
		entry.Tests = append(entry.Tests, et)
	}

	if entry.Degraded {
		s.metrics.QueueDegradedEntries.Inc()
	}
	return entry
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
