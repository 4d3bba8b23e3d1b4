package order

import (
	"time"

	"github.com/google/uuid"
)

// Test priority bands. Rank decides queue ordering, lower is more severe.
type Priority string

const (
	PrioritySTAT    Priority = "STAT"
	PriorityUrgent  Priority = "Urgent"
	PriorityRoutine Priority = "Routine"
)

var priorityRanks = map[Priority]int{
	PrioritySTAT:    0,
	PriorityUrgent:  1,
	PriorityRoutine: 2,
}

func (p Priority) Valid() bool {
	_, ok := priorityRanks[p]
	return ok
}

// Rank returns the severity rank, 0 being most severe. Unknown priorities
// rank after Routine so malformed rows sink instead of jumping the queue.
func (p Priority) Rank() int {
	if r, ok := priorityRanks[p]; ok {
		return r
	}
	return len(priorityRanks)
}

// Per-test statuses.
type TestStatus string

const (
	TestStatusOrdered    TestStatus = "Ordered"
	TestStatusCollected  TestStatus = "Collected"
	TestStatusInProgress TestStatus = "InProgress"
	TestStatusCompleted  TestStatus = "Completed"
	TestStatusCancelled  TestStatus = "Cancelled"
)

// testTransitions holds the allowed per-test state machine. Cancelled is
// reachable from any non-terminal state; Completed and Cancelled are
// terminal.
var testTransitions = map[TestStatus][]TestStatus{
	TestStatusOrdered:    {TestStatusCollected, TestStatusCancelled},
	TestStatusCollected:  {TestStatusInProgress, TestStatusCancelled},
	TestStatusInProgress: {TestStatusCompleted, TestStatusCancelled},
	TestStatusCompleted:  {},
	TestStatusCancelled:  {},
}

func (s TestStatus) Valid() bool {
	_, ok := testTransitions[s]
	return ok
}

func (s TestStatus) Terminal() bool {
	return s == TestStatusCompleted || s == TestStatusCancelled
}

// CanTransition reports whether from -> to is an allowed test transition.
func CanTransition(from, to TestStatus) bool {
	for _, allowed := range testTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Order-level aggregate statuses, always derived from the test list.
type OrderStatus string

const (
	StatusOrdered             OrderStatus = "Ordered"
	StatusPartiallyInProgress OrderStatus = "PartiallyInProgress"
	StatusCompleted           OrderStatus = "Completed"
	StatusCancelled           OrderStatus = "Cancelled"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusOrdered, StatusPartiallyInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// TestItem is an individually-tracked test embedded in a LabOrder. The
// price snapshot is captured once when the item is appended and never
// re-read from the catalog.
type TestItem struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	TestID             uuid.UUID  `db:"test_id" json:"test_id"`
	PriceSnapshotCents int64      `db:"price_snapshot_cents" json:"price_snapshot_cents"`
	Priority           Priority   `db:"priority" json:"priority"`
	Status             TestStatus `db:"status" json:"status"`
	Instructions       string     `db:"instructions" json:"instructions"`
}

// LabOrder is the aggregate root. Status and TotalAmountCents are derived
// from the test list; Version backs optimistic concurrency on updates.
type LabOrder struct {
	ID               uuid.UUID   `db:"id" json:"id"`
	OrderNumber      int64       `db:"order_number" json:"order_number"`
	PatientID        uuid.UUID   `db:"patient_id" json:"patient_id"`
	DoctorID         *uuid.UUID  `db:"doctor_id" json:"doctor_id,omitempty"`
	EncounterID      *uuid.UUID  `db:"encounter_id" json:"encounter_id,omitempty"`
	ClinicalInfo     string      `db:"clinical_info" json:"clinical_info"`
	Status           OrderStatus `db:"status" json:"status"`
	TotalAmountCents int64       `db:"total_amount_cents" json:"total_amount_cents"`
	Version          int         `db:"version" json:"version"`
	OrderedAt        time.Time   `db:"ordered_at" json:"ordered_at"`
	UpdatedAt        time.Time   `db:"updated_at" json:"updated_at"`
	Tests            []TestItem  `json:"tests"`
}

// DeriveOrderStatus computes the aggregate status from the test list:
// Completed iff every test is terminal and at least one completed,
// Cancelled iff every test is cancelled, PartiallyInProgress once any
// test has moved past Ordered, otherwise Ordered. An empty list only
// occurs transiently and reads as Cancelled.
func DeriveOrderStatus(tests []TestItem) OrderStatus {
	if len(tests) == 0 {
		return StatusCancelled
	}

	allTerminal := true
	anyCompleted := false
	anyProgress := false
	for _, t := range tests {
		switch t.Status {
		case TestStatusCompleted:
			anyCompleted = true
		case TestStatusCancelled:
			anyProgress = true
		default:
			allTerminal = false
			if t.Status != TestStatusOrdered {
				anyProgress = true
			}
		}
	}

	if allTerminal {
		if anyCompleted {
			return StatusCompleted
		}
		return StatusCancelled
	}
	if anyProgress {
		return StatusPartiallyInProgress
	}
	return StatusOrdered
}

// SumTotal returns the sum of price snapshots across the given tests.
func SumTotal(tests []TestItem) int64 {
	var total int64
	for _, t := range tests {
		total += t.PriceSnapshotCents
	}
	return total
}

// Recompute refreshes the derived fields after any change to Tests.
func (o *LabOrder) Recompute() {
	o.Status = DeriveOrderStatus(o.Tests)
	o.TotalAmountCents = SumTotal(o.Tests)
}

// Closed reports whether the order is terminal and refuses mutation.
func (o *LabOrder) Closed() bool {
	return o.Status.Terminal()
}

// FindTest returns a pointer into Tests for the given item id, or nil.
func (o *LabOrder) FindTest(itemID uuid.UUID) *TestItem {
	for i := range o.Tests {
		if o.Tests[i].ID == itemID {
			return &o.Tests[i]
		}
	}
	return nil
}

// MostSeverePriority returns the most severe priority across the order's
// non-cancelled tests. Queue ordering keys off this value.
func (o *LabOrder) MostSeverePriority() Priority {
	best := PriorityRoutine
	bestRank := best.Rank()
	for _, t := range o.Tests {
		if t.Status == TestStatusCancelled {
			continue
		}
		if r := t.Priority.Rank(); r < bestRank {
			best = t.Priority
			bestRank = r
		}
	}
	return best
}
