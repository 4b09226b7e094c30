package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new account and returns the created Account.
func (r *Repository) Create(ctx context.Context, email, passwordHash, displayName, role string) (*Account, error) {
	var id uuid.UUID
	row := r.pool.QueryRow(ctx, `
		INSERT INTO accounts (email, password_hash, display_name, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, email, passwordHash, displayName, role)
	if err := row.Scan(&id); err != nil {
		return nil, err
	}
	return &Account{
		ID:          id,
		Email:       email,
		DisplayName: displayName,
		Role:        role,
	}, nil
}

// GetByEmail returns the account and password hash for login. Returns nil if not found.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*Account, string, error) {
	var a Account
	var passwordHash string
	row := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, role, password_hash
		FROM accounts WHERE email = $1
	`, email)
	if err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.Role, &passwordHash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", nil
		}
		return nil, "", err
	}
	return &a, passwordHash, nil
}

// GetByID resolves an account for display purposes.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	var a Account
	row := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, role FROM accounts WHERE id = $1
	`, id)
	if err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.Role); err != nil {
		return nil, err
	}
	return &a, nil
}
