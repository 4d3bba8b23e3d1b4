package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	ErrDefinitionNotFound = errors.New("test definition not found")
	ErrInvalidDefinition  = errors.New("invalid test definition")
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*TestDefinition, error) {
	defs, err := s.repo.GetByIDs(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	d, ok := defs[id]
	if !ok {
		return nil, ErrDefinitionNotFound
	}
	return d, nil
}

func (s *Service) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*TestDefinition, int, error) {
	return s.repo.List(ctx, activeOnly, limit, offset)
}

// EnsureDefinition validates and writes a definition if one with the same ID
// does not already exist. It reports whether a row was inserted, so repeated
// repairs of the same orphan are visible no-ops.
func (s *Service) EnsureDefinition(ctx context.Context, def *TestDefinition) (bool, error) {
	if err := validateDefinition(def); err != nil {
		return false, err
	}
	return s.repo.Upsert(ctx, def)
}

func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) error {
	err := s.repo.Deactivate(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDefinitionNotFound
	}
	return err
}

func validateDefinition(def *TestDefinition) error {
	if def.ID == uuid.Nil {
		return fmt.Errorf("%w: id is required", ErrInvalidDefinition)
	}
	if strings.TrimSpace(def.Code) == "" {
		return fmt.Errorf("%w: code is required", ErrInvalidDefinition)
	}
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if def.PriceCents < 0 {
		return fmt.Errorf("%w: price_cents must not be negative", ErrInvalidDefinition)
	}
	if def.TurnaroundHours < 0 {
		return fmt.Errorf("%w: turnaround_hours must not be negative", ErrInvalidDefinition)
	}
	return nil
}
