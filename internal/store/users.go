package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const userColumns = `
	id, username, email, password_hash, role, is_email_verified, profile,
	verification_token, verification_expires_at, created_at, updated_at
`

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	profile, err := json.Marshal(user.Profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, is_email_verified, profile, verification_token, verification_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, NULLIF($8, ''), $9)
	`, user.ID, user.Username, user.Email, user.PasswordHash, user.Role, user.IsEmailVerified,
		string(profile), user.VerificationToken, user.VerificationExpiresAt)
	if err != nil {
		if IsDuplicateKey(err) {
			return err
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM users WHERE id=$1`, userColumns), userID)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM users WHERE LOWER(email)=LOWER($1)`, userColumns), email)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM users WHERE username=$1`, userColumns), username)
	return scanUser(row)
}

func (s *PostgresStore) UpdateUser(ctx context.Context, user User) error {
	profile, err := json.Marshal(user.Profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE users
		SET username=$2, email=$3, role=$4, is_email_verified=$5, profile=$6::jsonb, updated_at=NOW()
		WHERE id=$1
	`, user.ID, user.Username, user.Email, user.Role, user.IsEmailVerified, string(profile))
	if err != nil {
		if IsDuplicateKey(err) {
			return err
		}
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, userID)
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete user rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context, q UserQuery) ([]User, int, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const filter = `
		($1 = '' OR role = $1)
		AND ($2 = '' OR username ILIKE '%' || $2 || '%'
			OR email ILIKE '%' || $2 || '%'
			OR profile->>'firstName' ILIKE '%' || $2 || '%'
			OR profile->>'lastName' ILIKE '%' || $2 || '%')
	`

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM users
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, userColumns, filter), q.Role, q.Search, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		item, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate users: %w", err)
	}

	var total int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM users WHERE %s
	`, filter), q.Role, q.Search).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}
	return items, total, nil
}

func (s *PostgresStore) UserStats(ctx context.Context) (UserStats, error) {
	var stats UserStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE is_email_verified),
			COUNT(*) FILTER (WHERE role = 'admin'),
			COUNT(*) FILTER (WHERE role = 'user')
		FROM users
	`).Scan(&stats.Total, &stats.Verified, &stats.Admins, &stats.Users)
	if err != nil {
		return UserStats{}, fmt.Errorf("user stats: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) AdminExists(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE role='admin')`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check admin exists: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("set verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, used_at=NULL
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM users u
		WHERE u.id = (
			SELECT rs.user_id FROM refresh_sessions rs
			WHERE rs.token_hash = $1 AND rs.revoked_at IS NULL AND rs.expires_at > NOW()
		)
	`, prefixedUserColumns("u")), tokenHash)
	return scanUser(row)
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func prefixedUserColumns(alias string) string {
	return fmt.Sprintf(`
		%[1]s.id, %[1]s.username, %[1]s.email, %[1]s.password_hash, %[1]s.role, %[1]s.is_email_verified, %[1]s.profile,
		%[1]s.verification_token, %[1]s.verification_expires_at, %[1]s.created_at, %[1]s.updated_at
	`, alias)
}

func scanUser(row rowScanner) (User, error) {
	var item User
	var profileRaw []byte
	var verificationToken *string
	err := row.Scan(
		&item.ID,
		&item.Username,
		&item.Email,
		&item.PasswordHash,
		&item.Role,
		&item.IsEmailVerified,
		&profileRaw,
		&verificationToken,
		&item.VerificationExpiresAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	if verificationToken != nil {
		item.VerificationToken = *verificationToken
	}
	if err := json.Unmarshal(profileRaw, &item.Profile); err != nil {
		return User{}, fmt.Errorf("decode profile: %w", err)
	}
	return item, nil
}
