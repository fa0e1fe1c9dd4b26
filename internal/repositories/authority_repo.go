package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stakearena/fairness-engine/internal/models"
)

type AuthorityRepo struct {
	pool *pgxpool.Pool
}

func NewAuthorityRepo(pool *pgxpool.Pool) *AuthorityRepo {
	return &AuthorityRepo{pool: pool}
}

func (r *AuthorityRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Authority, error) {
	var a models.Authority
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, role, public_key, is_active, created_at
		FROM authorities WHERE id = $1
	`, id).Scan(&a.ID, &a.Name, &a.Role, &a.PublicKeyHex, &a.IsActive, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AuthorityRepo) ListActive(ctx context.Context) ([]models.Authority, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, role, public_key, is_active, created_at
		FROM authorities WHERE is_active ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Authority
	for rows.Next() {
		var a models.Authority
		if err := rows.Scan(&a.ID, &a.Name, &a.Role, &a.PublicKeyHex, &a.IsActive, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AuthorityRepo) Create(ctx context.Context, a *models.Authority) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO authorities (name, role, public_key, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, a.Name, a.Role, a.PublicKeyHex, a.IsActive).Scan(&a.ID, &a.CreatedAt)
}
