package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository loads catalog records from PostgreSQL.
type Repository interface {
	Facility(ctx context.Context, id uuid.UUID) (Facility, error)
	Program(ctx context.Context, id uuid.UUID) (Program, error)
	ProductByCode(ctx context.Context, code string) (Product, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed catalog repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) Facility(ctx context.Context, id uuid.UUID) (Facility, error) {
	var f Facility
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, active FROM facilities WHERE id=$1`, id).
		Scan(&f.ID, &f.Code, &f.Name, &f.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Facility{}, ErrNotFound
		}
		return Facility{}, err
	}
	return f, nil
}

func (r *repository) Program(ctx context.Context, id uuid.UUID) (Program, error) {
	var p Program
	err := r.pool.QueryRow(ctx, `SELECT id, code, name FROM programs WHERE id=$1`, id).
		Scan(&p.ID, &p.Code, &p.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Program{}, ErrNotFound
		}
		return Program{}, err
	}
	return p, nil
}

func (r *repository) ProductByCode(ctx context.Context, code string) (Product, error) {
	var p Product
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, program_id, has_lots FROM products WHERE code=$1`, code).
		Scan(&p.ID, &p.Code, &p.Name, &p.ProgramID, &p.HasLots)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, err
	}
	return p, nil
}
