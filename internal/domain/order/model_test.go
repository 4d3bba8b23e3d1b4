package order

import (
	"testing"

	"github.com/google/uuid"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to TestStatus
		ok       bool
	}{
		{TestStatusOrdered, TestStatusCollected, true},
		{TestStatusCollected, TestStatusInProgress, true},
		{TestStatusInProgress, TestStatusCompleted, true},
		{TestStatusOrdered, TestStatusCancelled, true},
		{TestStatusCollected, TestStatusCancelled, true},
		{TestStatusInProgress, TestStatusCancelled, true},
		{TestStatusOrdered, TestStatusInProgress, false},
		{TestStatusOrdered, TestStatusCompleted, false},
		{TestStatusCompleted, TestStatusCollected, false},
		{TestStatusCompleted, TestStatusCancelled, false},
		{TestStatusCancelled, TestStatusOrdered, false},
		{TestStatusCollected, TestStatusOrdered, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestDeriveOrderStatus(t *testing.T) {
	mk := func(statuses ...TestStatus) []TestItem {
		items := make([]TestItem, len(statuses))
		for i, s := range statuses {
			items[i] = TestItem{ID: uuid.New(), Status: s}
		}
		return items
	}

	cases := []struct {
		name  string
		tests []TestItem
		want  OrderStatus
	}{
		{"all ordered", mk(TestStatusOrdered, TestStatusOrdered), StatusOrdered},
		{"one collected", mk(TestStatusOrdered, TestStatusCollected), StatusPartiallyInProgress},
		{"one in progress", mk(TestStatusInProgress, TestStatusOrdered), StatusPartiallyInProgress},
		{"one completed one ordered", mk(TestStatusCompleted, TestStatusOrdered), StatusPartiallyInProgress},
		{"completed and cancelled", mk(TestStatusCompleted, TestStatusCancelled), StatusCompleted},
		{"all completed", mk(TestStatusCompleted, TestStatusCompleted), StatusCompleted},
		{"all cancelled", mk(TestStatusCancelled, TestStatusCancelled), StatusCancelled},
		{"single cancelled", mk(TestStatusCancelled), StatusCancelled},
		{"cancelled with ordered", mk(TestStatusCancelled, TestStatusOrdered), StatusPartiallyInProgress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveOrderStatus(tc.tests); got != tc.want {
				t.Errorf("DeriveOrderStatus = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestSumTotal(t *testing.T) {
	tests := []TestItem{
		{PriceSnapshotCents: 2500},
		{PriceSnapshotCents: 1500},
	}
	if got := SumTotal(tests); got != 4000 {
		t.Errorf("SumTotal = %d, want 4000", got)
	}
	if got := SumTotal(nil); got != 0 {
		t.Errorf("SumTotal(nil) = %d, want 0", got)
	}
}

func TestPriorityRank(t *testing.T) {
	if !(PrioritySTAT.Rank() < PriorityUrgent.Rank() && PriorityUrgent.Rank() < PriorityRoutine.Rank()) {
		t.Fatal("priority ranks out of order")
	}
	if Priority("Bogus").Rank() <= PriorityRoutine.Rank() {
		t.Fatal("unknown priority should rank after Routine")
	}
}

func TestMostSeverePriority(t *testing.T) {
	o := &LabOrder{Tests: []TestItem{
		{Priority: PriorityRoutine, Status: TestStatusOrdered},
		{Priority: PrioritySTAT, Status: TestStatusCancelled},
		{Priority: PriorityUrgent, Status: TestStatusCollected},
	}}
	// The cancelled STAT test must not drive queue placement.
	if got := o.MostSeverePriority(); got != PriorityUrgent {
		t.Errorf("MostSeverePriority = %s, want %s", got, PriorityUrgent)
	}
}

func TestRecompute(t *testing.T) {
	o := &LabOrder{Tests: []TestItem{
		{PriceSnapshotCents: 1000, Status: TestStatusCompleted},
		{PriceSnapshotCents: 500, Status: TestStatusCancelled},
	}}
	o.Recompute()
	if o.Status != StatusCompleted {
		t.Errorf("Status = %s, want %s", o.Status, StatusCompleted)
	}
	if o.TotalAmountCents != 1500 {
		t.Errorf("TotalAmountCents = %d, want 1500", o.TotalAmountCents)
	}
	if !o.Closed() {
		t.Error("completed order should be closed")
	}
}
