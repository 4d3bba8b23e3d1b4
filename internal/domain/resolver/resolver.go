// Package resolver turns batches of foreign IDs into records plus an
// explicit list of what could not be found. Absence is data here, not an
// error: a missing person or test definition is reported in Missing so
// callers can decide whether to reject, degrade, or repair.
package resolver

import (
	"context"

	"github.com/google/uuid"

	"github.com/labflow/labflow/internal/domain/catalog"
	"github.com/labflow/labflow/internal/domain/identity"
)

// PersonResult holds the outcome of a batched person lookup.
type PersonResult struct {
	Resolved map[uuid.UUID]*identity.Person
	Missing  []uuid.UUID
}

// DefinitionResult holds the outcome of a batched test definition lookup.
type DefinitionResult struct {
	Resolved map[uuid.UUID]*catalog.TestDefinition
	Missing  []uuid.UUID
}

type Resolver struct {
	directory identity.Directory
	catalog   catalog.Repository
}

func New(directory identity.Directory, catalogRepo catalog.Repository) *Resolver {
	return &Resolver{directory: directory, catalog: catalogRepo}
}

// ResolvePersons looks up the given IDs in one batch. Duplicate IDs are
// collapsed; each requested ID appears either in Resolved or exactly once
// in Missing. An error is returned only for lookup failures, never for
// absent records.
func (r *Resolver) ResolvePersons(ctx context.Context, ids []uuid.UUID) (PersonResult, error) {
	ids = dedupe(ids)
	result := PersonResult{Resolved: make(map[uuid.UUID]*identity.Person, len(ids))}
	if len(ids) == 0 {
		return result, nil
	}

	found, err := r.directory.GetPersonsByIDs(ctx, ids)
	if err != nil {
		return PersonResult{}, err
	}
	result.Resolved = found
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			result.Missing = append(result.Missing, id)
		}
	}
	return result, nil
}

// ResolveTestDefinitions is the catalog counterpart of ResolvePersons.
// Inactive definitions still resolve; activity is a creation-time policy
// enforced by the caller, not an existence question.
func (r *Resolver) ResolveTestDefinitions(ctx context.Context, ids []uuid.UUID) (DefinitionResult, error) {
	ids = dedupe(ids)
	result := DefinitionResult{Resolved: make(map[uuid.UUID]*catalog.TestDefinition, len(ids))}
	if len(ids) == 0 {
		return result, nil
	}

	found, err := r.catalog.GetByIDs(ctx, ids)
	if err != nil {
		return DefinitionResult{}, err
	}
	result.Resolved = found
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			result.Missing = append(result.Missing, id)
		}
	}
	return result, nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
