package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/labflow/labflow/internal/domain/catalog"
	"github.com/labflow/labflow/internal/domain/identity"
)

type mockDirectory struct {
	persons map[uuid.UUID]*identity.Person
	err     error
}

func (m *mockDirectory) GetPersonsByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*identity.Person, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[uuid.UUID]*identity.Person)
	for _, id := range ids {
		if p, ok := m.persons[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type mockCatalog struct {
	defs map[uuid.UUID]*catalog.TestDefinition
}

func (m *mockCatalog) GetByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*catalog.TestDefinition, error) {
	out := make(map[uuid.UUID]*catalog.TestDefinition)
	for _, id := range ids {
		if d, ok := m.defs[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

func (m *mockCatalog) GetActiveDefinition(_ context.Context, id uuid.UUID) (*catalog.TestDefinition, error) {
	d, ok := m.defs[id]
	if !ok || !d.Active {
		return nil, nil
	}
	return d, nil
}

func (m *mockCatalog) List(_ context.Context, _ bool, _, _ int) ([]*catalog.TestDefinition, int, error) {
	return nil, 0, nil
}

func (m *mockCatalog) Upsert(_ context.Context, def *catalog.TestDefinition) (bool, error) {
	if _, ok := m.defs[def.ID]; ok {
		return false, nil
	}
	m.defs[def.ID] = def
	return true, nil
}

func (m *mockCatalog) Deactivate(_ context.Context, _ uuid.UUID) error { return nil }

func TestResolvePersonsPartial(t *testing.T) {
	persons := make(map[uuid.UUID]*identity.Person)
	var known []uuid.UUID
	for i := 0; i < 8; i++ {
		id := uuid.New()
		persons[id] = &identity.Person{ID: id, FirstName: "A", LastName: "B", Role: identity.RolePatient}
		known = append(known, id)
	}
	missing := []uuid.UUID{uuid.New(), uuid.New()}

	r := New(&mockDirectory{persons: persons}, &mockCatalog{})
	result, err := r.ResolvePersons(context.Background(), append(known, missing...))
	if err != nil {
		t.Fatalf("ResolvePersons: %v", err)
	}
	if len(result.Resolved) != 8 {
		t.Fatalf("expected 8 resolved, got %d", len(result.Resolved))
	}
	if len(result.Missing) != 2 {
		t.Fatalf("expected 2 missing, got %d", len(result.Missing))
	}
	for _, id := range missing {
		found := false
		for _, m := range result.Missing {
			if m == id {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected %s in missing set", id)
		}
	}
}

func TestResolvePersonsDeduplicates(t *testing.T) {
	id := uuid.New()
	r := New(&mockDirectory{persons: map[uuid.UUID]*identity.Person{}}, &mockCatalog{})

	result, err := r.ResolvePersons(context.Background(), []uuid.UUID{id, id, id})
	if err != nil {
		t.Fatalf("ResolvePersons: %v", err)
	}
	if len(result.Missing) != 1 {
		t.Fatalf("expected duplicate id reported once, got %d entries", len(result.Missing))
	}
}

func TestResolvePersonsEmptyInput(t *testing.T) {
	r := New(&mockDirectory{}, &mockCatalog{})
	result, err := r.ResolvePersons(context.Background(), nil)
	if err != nil {
		t.Fatalf("ResolvePersons: %v", err)
	}
	if len(result.Resolved) != 0 || len(result.Missing) != 0 {
		t.Fatal("expected empty result for empty input")
	}
}

func TestResolvePersonsLookupError(t *testing.T) {
	lookupErr := errors.New("connection refused")
	r := New(&mockDirectory{err: lookupErr}, &mockCatalog{})

	if _, err := r.ResolvePersons(context.Background(), []uuid.UUID{uuid.New()}); !errors.Is(err, lookupErr) {
		t.Fatalf("expected lookup error to propagate, got %v", err)
	}
}

func TestResolveTestDefinitionsIncludesInactive(t *testing.T) {
	id := uuid.New()
	defs := map[uuid.UUID]*catalog.TestDefinition{
		id: {ID: id, Code: "LIP", Name: "Lipid Panel", Active: false},
	}
	r := New(&mockDirectory{}, &mockCatalog{defs: defs})

	result, err := r.ResolveTestDefinitions(context.Background(), []uuid.UUID{id})
	if err != nil {
		t.Fatalf("ResolveTestDefinitions: %v", err)
	}
	if _, ok := result.Resolved[id]; !ok {
		t.Fatal("inactive definition should still resolve")
	}
	if len(result.Missing) != 0 {
		t.Fatalf("expected no missing ids, got %d", len(result.Missing))
	}
}
