package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store against the central identity database.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const userColumns = `id, username, email, password_hash, status, last_login_at, created_at, updated_at`

func (s *PGStore) FindActiveByUsername(ctx context.Context, username string) (*UserWithGrants, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where username=$1 and status=$2`,
		username, StatusActive,
	)
	return s.scanUserWithGrants(ctx, row)
}

func (s *PGStore) FindActiveByID(ctx context.Context, id int64) (*UserWithGrants, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1 and status=$2`,
		id, StatusActive,
	)
	return s.scanUserWithGrants(ctx, row)
}

func (s *PGStore) TouchLastLogin(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`update users set last_login_at=$1 where id=$2`,
		time.Now().UTC(), id,
	)
	return err
}

func (s *PGStore) scanUserWithGrants(ctx context.Context, row *sql.Row) (*UserWithGrants, error) {
	var (
		u         User
		lastLogin sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Status,
		&lastLogin, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}

	grants, err := s.grantsForUser(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return &UserWithGrants{User: u, Grants: grants}, nil
}

// grantsForUser loads the user's memberships. The join filters on both the
// grant status and the application status.
func (s *PGStore) grantsForUser(ctx context.Context, userID int64) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx,
		`select a.id, a.code, a.name, a.status, ua.role, ua.permissions, ua.status
		 from user_applications ua
		 join applications a on a.id = ua.application_id
		 where ua.user_id=$1 and ua.status=$2 and a.status=$3
		 order by a.code`,
		userID, StatusActive, StatusActive,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var (
			g     Grant
			perms []byte
		)
		if err := rows.Scan(&g.Application.ID, &g.Application.Code, &g.Application.Name,
			&g.Application.Status, &g.Role, &perms, &g.Status); err != nil {
			return nil, err
		}
		if len(perms) > 0 {
			_ = json.Unmarshal(perms, &g.Permissions)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
