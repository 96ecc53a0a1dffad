// ABOUTME: User directory queries for the SQLite store
// ABOUTME: Batched user and vendor profile lookups keep aggregation free of per-row queries

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// lookupChunkSize caps the number of ids bound into a single IN (...) clause
const lookupChunkSize = 500

// CreateUser inserts a user. When user.ID is zero the database assigns one
// and it is written back to user.ID.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	if !user.Role.Valid() {
		return fmt.Errorf("invalid role %q", user.Role)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	var id any
	if user.ID != 0 {
		id = user.ID
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, role, first_name, last_name, profile_pic, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, string(user.Role), user.FirstName, user.LastName, user.ProfilePic,
		user.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}

	if user.ID == 0 {
		newID, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading user id: %w", err)
		}
		user.ID = newID
	}

	s.logger.Debug("created user", "id", user.ID, "role", user.Role)
	return nil
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, role, first_name, last_name, profile_pic, created_at
		FROM users
		WHERE id = ?
	`, id)

	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return user, nil
}

// GetUsers retrieves all users whose id is in ids, keyed by id.
// Missing ids are simply absent from the result.
func (s *SQLiteStore) GetUsers(ctx context.Context, ids []int64) (map[int64]*User, error) {
	users := make(map[int64]*User, len(ids))

	for start := 0; start < len(ids); start += lookupChunkSize {
		chunk := ids[start:min(start+lookupChunkSize, len(ids))]
		query := `
			SELECT id, role, first_name, last_name, profile_pic, created_at
			FROM users
			WHERE id IN (` + placeholders(len(chunk)) + `)`

		rows, err := s.db.QueryContext(ctx, query, int64Args(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("querying users: %w", err)
		}

		for rows.Next() {
			user, err := scanUser(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning user row: %w", err)
			}
			users[user.ID] = user
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterating user rows: %w", err)
		}
		rows.Close()
	}

	return users, nil
}

// CountUsers returns the number of users in the directory
func (s *SQLiteStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

// UpsertVendorProfile creates or replaces the vendor profile for a user.
// Returns ErrUnknownUser if the user does not exist.
func (s *SQLiteStore) UpsertVendorProfile(ctx context.Context, profile *VendorProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vendors (vendor_user_id, company_name)
		VALUES (?, ?)
		ON CONFLICT(vendor_user_id) DO UPDATE SET company_name = excluded.company_name
	`, profile.VendorUserID, profile.CompanyName)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrUnknownUser
		}
		return fmt.Errorf("upserting vendor profile: %w", err)
	}

	s.logger.Debug("upserted vendor profile", "vendor_user_id", profile.VendorUserID)
	return nil
}

// GetVendorProfiles retrieves vendor profiles for the given user ids, keyed by user id.
func (s *SQLiteStore) GetVendorProfiles(ctx context.Context, userIDs []int64) (map[int64]*VendorProfile, error) {
	profiles := make(map[int64]*VendorProfile, len(userIDs))

	for start := 0; start < len(userIDs); start += lookupChunkSize {
		chunk := userIDs[start:min(start+lookupChunkSize, len(userIDs))]
		query := `
			SELECT vendor_user_id, company_name
			FROM vendors
			WHERE vendor_user_id IN (` + placeholders(len(chunk)) + `)`

		rows, err := s.db.QueryContext(ctx, query, int64Args(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("querying vendor profiles: %w", err)
		}

		for rows.Next() {
			var p VendorProfile
			if err := rows.Scan(&p.VendorUserID, &p.CompanyName); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning vendor profile row: %w", err)
			}
			profiles[p.VendorUserID] = &p
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterating vendor profile rows: %w", err)
		}
		rows.Close()
	}

	return profiles, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var role, createdAt string
	if err := row.Scan(&u.ID, &role, &u.FirstName, &u.LastName, &u.ProfilePic, &createdAt); err != nil {
		return nil, err
	}
	u.Role = Role(role)

	var err error
	u.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &u, nil
}

// isConstraintViolation checks if an error is a SQLite constraint violation.
func isConstraintViolation(err error) bool {
	// Both drivers only expose the failure through the message text
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
