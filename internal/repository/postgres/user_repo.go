package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/e2ee-identity/internal/errs"
	"github.com/and161185/e2ee-identity/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

const userColumns = `user_id, app_id, username, password_token_hash, password_salt, password_token_salt,
temp_password_token_hash, temp_password_creation_time, public_key, encryption_key_salt, dh_key_salt,
hmac_key_salt, password_based_backup, seed_not_saved_yet, incorrect_password_attempts_in_row,
suspended_at, creation_time, email, profile, protected_profile, subscriptions`

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

// SignUp upserts the user; an existing row is replaced only while it still has seed_not_saved_yet.
func (r *UserRepo) SignUp(ctx context.Context, u *model.User) error {
	const q = `
INSERT INTO users (user_id, app_id, username, password_token_hash, password_salt, password_token_salt,
  public_key, encryption_key_salt, dh_key_salt, hmac_key_salt, password_based_backup,
  seed_not_saved_yet, creation_time, email, profile)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, true, $12, $13, $14)
ON CONFLICT (app_id, username) DO UPDATE SET
  user_id = EXCLUDED.user_id,
  password_token_hash = EXCLUDED.password_token_hash,
  password_salt = EXCLUDED.password_salt,
  password_token_salt = EXCLUDED.password_token_salt,
  temp_password_token_hash = NULL,
  temp_password_creation_time = NULL,
  public_key = EXCLUDED.public_key,
  encryption_key_salt = EXCLUDED.encryption_key_salt,
  dh_key_salt = EXCLUDED.dh_key_salt,
  hmac_key_salt = EXCLUDED.hmac_key_salt,
  password_based_backup = EXCLUDED.password_based_backup,
  seed_not_saved_yet = true,
  incorrect_password_attempts_in_row = 0,
  suspended_at = NULL,
  creation_time = EXCLUDED.creation_time,
  email = EXCLUDED.email,
  profile = EXCLUDED.profile,
  protected_profile = NULL,
  subscriptions = '{}'::jsonb
WHERE users.seed_not_saved_yet`
	backup, err := marshalNullable(u.PasswordBasedBackup)
	if err != nil {
		return err
	}
	profile, err := marshalProfile(u.Profile)
	if err != nil {
		return err
	}
	tag, err := r.db.Pool.Exec(ctx, q,
		u.UserID, u.AppID, u.Username, u.PasswordTokenHash,
		u.PasswordSalts.PasswordSalt, u.PasswordSalts.PasswordTokenSalt,
		u.PublicKey, u.KeySalts.EncryptionKeySalt, u.KeySalts.DHKeySalt, u.KeySalts.HMACKeySalt,
		backup, u.CreationTime, nullString(u.Email), profile,
	)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("sign up: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrAlreadyExists
	}
	return nil
}

// GetByUsername selects a user by (app_id, username).
func (r *UserRepo) GetByUsername(ctx context.Context, appID uuid.UUID, username string) (*model.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE app_id=$1 AND username=$2`
	u, err := scanUser(r.db.Pool.QueryRow(ctx, q, appID, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	return u, nil
}

// GetByID selects a user through the user_id index.
func (r *UserRepo) GetByID(ctx context.Context, userID uuid.UUID) (*model.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE user_id=$1`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	defer rows.Close()

	var found *model.User
	for rows.Next() {
		if found != nil {
			return nil, fmt.Errorf("user %s: %w", userID, errs.ErrIntegrity)
		}
		if found, err = scanUser(rows); err != nil {
			return nil, fmt.Errorf("get user by id: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	if found == nil {
		return nil, errs.ErrNotFound
	}
	return found, nil
}

// Update applies the non-nil fields of upd. Changing the password also drops any temp password.
func (r *UserRepo) Update(ctx context.Context, appID, userID uuid.UUID, upd model.UserUpdate) error {
	if upd.Empty() {
		return nil
	}
	args := []any{appID, userID}
	var sets []string
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}

	if upd.Username != nil {
		set("username", *upd.Username)
	}
	if upd.PasswordTokenHash != nil {
		set("password_token_hash", *upd.PasswordTokenHash)
		sets = append(sets, "temp_password_token_hash=NULL", "temp_password_creation_time=NULL")
	}
	if upd.PasswordSalts != nil {
		set("password_salt", upd.PasswordSalts.PasswordSalt)
		set("password_token_salt", upd.PasswordSalts.PasswordTokenSalt)
	}
	if upd.PasswordBasedBackup != nil {
		b, err := json.Marshal(upd.PasswordBasedBackup)
		if err != nil {
			return err
		}
		set("password_based_backup", b)
	}
	switch {
	case upd.ClearEmail:
		sets = append(sets, "email=NULL")
	case upd.Email != nil:
		set("email", *upd.Email)
	}
	switch {
	case upd.ClearProfile:
		sets = append(sets, "profile=NULL")
	case upd.Profile != nil:
		b, err := marshalProfile(upd.Profile)
		if err != nil {
			return err
		}
		set("profile", b)
	}

	q := `UPDATE users SET ` + strings.Join(sets, ", ") + ` WHERE app_id=$1 AND user_id=$2`
	tag, err := r.db.Pool.Exec(ctx, q, args...)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// UpdateProtectedProfile replaces protected_profile; a nil profile stores NULL.
func (r *UserRepo) UpdateProtectedProfile(ctx context.Context, userID uuid.UUID, profile model.Profile) error {
	const q = `UPDATE users SET protected_profile=$2 WHERE user_id=$1`
	b, err := marshalProfile(profile)
	if err != nil {
		return err
	}
	return r.execOne(ctx, "update protected profile", errs.ErrNotFound, q, userID, b)
}

// ClearSeedNotSavedYet clears the bootstrap flag if the record is unchanged.
func (r *UserRepo) ClearSeedNotSavedYet(
	ctx context.Context, appID uuid.UUID, username string, userID uuid.UUID, publicKey string,
) error {
	const q = `
UPDATE users SET seed_not_saved_yet=false
WHERE app_id=$1 AND username=$2 AND user_id=$3 AND public_key=$4 AND seed_not_saved_yet`
	return r.execOne(ctx, "clear seed flag", errs.ErrVersionConflict, q, appID, username, userID, publicKey)
}

// IncrementIncorrectAttempts bumps the counter by one.
func (r *UserRepo) IncrementIncorrectAttempts(ctx context.Context, userID uuid.UUID) error {
	const q = `
UPDATE users SET incorrect_password_attempts_in_row = incorrect_password_attempts_in_row + 1
WHERE user_id=$1`
	return r.execOne(ctx, "increment attempts", errs.ErrNotFound, q, userID)
}

// Suspend sets suspended_at if it is not set yet.
func (r *UserRepo) Suspend(ctx context.Context, userID uuid.UUID, at time.Time) error {
	const q = `UPDATE users SET suspended_at=$2 WHERE user_id=$1 AND suspended_at IS NULL`
	return r.execOne(ctx, "suspend", errs.ErrVersionConflict, q, userID, at)
}

// AllowRetry resets the lockout state.
func (r *UserRepo) AllowRetry(ctx context.Context, userID uuid.UUID) error {
	const q = `UPDATE users SET incorrect_password_attempts_in_row=0, suspended_at=NULL WHERE user_id=$1`
	return r.execOne(ctx, "allow retry", errs.ErrNotFound, q, userID)
}

// SetTempPassword stores the temp password hash and creation time.
func (r *UserRepo) SetTempPassword(ctx context.Context, userID uuid.UUID, hash string, createdAt time.Time) error {
	const q = `
UPDATE users SET temp_password_token_hash=$2, temp_password_creation_time=$3
WHERE user_id=$1`
	return r.execOne(ctx, "set temp password", errs.ErrNotFound, q, userID, hash, createdAt)
}

// SoftDelete snapshots the row into deleted_users, removes it and invalidates its sessions.
func (r *UserRepo) SoftDelete(ctx context.Context, userID uuid.UUID, at time.Time) error {
	const snap = `
INSERT INTO deleted_users (user_id, app_id, username, record, deleted_at)
SELECT user_id, app_id, username, to_jsonb(users.*), $2 FROM users WHERE user_id=$1`
	const del = `DELETE FROM users WHERE user_id=$1`
	const inv = `UPDATE sessions SET invalidated=true WHERE user_id=$1`

	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, snap, userID, at)
		if err != nil {
			return fmt.Errorf("snapshot user: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrNotFound
		}
		if _, err := tx.Exec(ctx, del, userID); err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		if _, err := tx.Exec(ctx, inv, userID); err != nil {
			return fmt.Errorf("invalidate sessions: %w", err)
		}
		return nil
	})
}

// GetDeleted loads a soft-deleted snapshot.
func (r *UserRepo) GetDeleted(ctx context.Context, userID uuid.UUID) (*model.DeletedUser, error) {
	const q = `SELECT user_id, app_id, username, record, deleted_at FROM deleted_users WHERE user_id=$1`
	var d model.DeletedUser
	err := r.db.Pool.QueryRow(ctx, q, userID).Scan(&d.UserID, &d.AppID, &d.Username, &d.Record, &d.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deleted user: %w", err)
	}
	return &d, nil
}

// ListDeletedBefore returns up to limit user ids soft-deleted before the cutoff, oldest first.
func (r *UserRepo) ListDeletedBefore(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	const q = `SELECT user_id FROM deleted_users WHERE deleted_at < $1 ORDER BY deleted_at LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list deleted users: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("list deleted users: %w", err)
	}
	return ids, nil
}

// PurgeDeleted hard-deletes a snapshot.
func (r *UserRepo) PurgeDeleted(ctx context.Context, userID uuid.UUID) error {
	const q = `DELETE FROM deleted_users WHERE user_id=$1`
	return r.execOne(ctx, "purge deleted user", errs.ErrNotFound, q, userID)
}

// execOne runs a conditional write and maps "no row matched" to onMiss.
func (r *UserRepo) execOne(ctx context.Context, op string, onMiss error, q string, args ...any) error {
	tag, err := r.db.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return onMiss
	}
	return nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		u                               model.User
		tempHash, email                 *string
		backup, profile, protected, sub []byte
	)
	err := row.Scan(
		&u.UserID, &u.AppID, &u.Username, &u.PasswordTokenHash,
		&u.PasswordSalts.PasswordSalt, &u.PasswordSalts.PasswordTokenSalt,
		&tempHash, &u.TempPasswordCreationTime, &u.PublicKey,
		&u.KeySalts.EncryptionKeySalt, &u.KeySalts.DHKeySalt, &u.KeySalts.HMACKeySalt,
		&backup, &u.SeedNotSavedYet, &u.IncorrectPasswordAttemptsInRow,
		&u.SuspendedAt, &u.CreationTime, &email, &profile, &protected, &sub,
	)
	if err != nil {
		return nil, err
	}
	if tempHash != nil {
		u.TempPasswordTokenHash = *tempHash
	}
	if email != nil {
		u.Email = *email
	}
	if len(backup) > 0 && string(backup) != "null" {
		u.PasswordBasedBackup = &model.PasswordBasedBackup{}
		if err := json.Unmarshal(backup, u.PasswordBasedBackup); err != nil {
			return nil, fmt.Errorf("decode password_based_backup: %w", err)
		}
	}
	if u.Profile, err = unmarshalProfile(profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if u.ProtectedProfile, err = unmarshalProfile(protected); err != nil {
		return nil, fmt.Errorf("decode protected_profile: %w", err)
	}
	if len(sub) > 0 {
		if err := json.Unmarshal(sub, &u.Subscriptions); err != nil {
			return nil, fmt.Errorf("decode subscriptions: %w", err)
		}
	}
	return &u, nil
}

func marshalNullable(v *model.PasswordBasedBackup) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func marshalProfile(p model.Profile) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func unmarshalProfile(b []byte) (model.Profile, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var p model.Profile
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
