package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-adsconnect/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// ConnectionStore persists platform connections with encrypted tokens and
// enforces the per-plan connection quota.
type ConnectionStore struct {
	db     *bun.DB
	repo   repository.Repository[*connectionRecord]
	cipher core.TokenCipher
	plans  core.PlanResolver
	quotas core.QuotaTable
	now    func() time.Time
}

func NewConnectionStore(db *bun.DB, cipher core.TokenCipher, plans core.PlanResolver, quotas core.QuotaTable) (*ConnectionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if cipher == nil {
		return nil, fmt.Errorf("sqlstore: token cipher is required")
	}
	if plans == nil {
		return nil, fmt.Errorf("sqlstore: plan resolver is required")
	}
	if len(quotas) == 0 {
		quotas = core.DefaultQuotaTable()
	}
	repo, err := newRepository(db, connectionHandlers(), "connection")
	if err != nil {
		return nil, err
	}
	return &ConnectionStore{
		db:     db,
		repo:   repo,
		cipher: cipher,
		plans:  plans,
		quotas: quotas,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *ConnectionStore) CanAdd(ctx context.Context, userID string, platform core.Platform) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	plan, ok, err := s.plans.ResolvePlan(ctx, strings.TrimSpace(userID))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	current, err := countActive(ctx, s.db, userID, platform)
	if err != nil {
		return false, err
	}
	return current < s.quotas.Limit(plan), nil
}

// Create inserts a connection, or updates the active connection already
// bound to the same (user, platform, account). The quota check and the
// insert share one transaction; on Postgres the user's plan row is locked
// so concurrent creates for one user serialize.
func (s *ConnectionStore) Create(ctx context.Context, in core.CreateConnectionInput) (core.Connection, error) {
	if err := s.ready(); err != nil {
		return core.Connection{}, err
	}
	if err := in.Validate(); err != nil {
		return core.Connection{}, err
	}
	conn, err := s.create(ctx, in)
	if err != nil && isUniqueViolation(err) {
		// A concurrent create won the race for this account.
		return s.create(ctx, in)
	}
	return conn, err
}

func (s *ConnectionStore) create(ctx context.Context, in core.CreateConnectionInput) (core.Connection, error) {
	accessCipher, err := s.cipher.Encrypt(ctx, in.AccessToken)
	if err != nil {
		return core.Connection{}, err
	}
	refreshCipher, err := s.encryptOptional(ctx, in.RefreshToken)
	if err != nil {
		return core.Connection{}, err
	}
	now := s.now()

	var out *connectionRecord
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, err := findActiveByAccountTx(ctx, tx, in.UserID, in.Platform, in.AccountID)
		if err != nil {
			return err
		}
		if existing != nil {
			existing.AccessToken = accessCipher
			if refreshCipher != "" {
				existing.RefreshToken = refreshCipher
			}
			if name := strings.TrimSpace(in.AccountName); name != "" {
				existing.AccountName = name
			}
			existing.ExpiresAt = utcPointer(in.ExpiresAt)
			existing.UpdatedAt = now
			if _, err := tx.NewUpdate().Model(existing).WherePK().Exec(ctx); err != nil {
				return err
			}
			out = existing
			return nil
		}

		plan, found, err := lockPlanTx(ctx, tx, in.UserID)
		if err != nil {
			return err
		}
		current, err := countActive(ctx, tx, in.UserID, in.Platform)
		if err != nil {
			return err
		}
		limit := 0
		if found {
			limit = s.quotas.Limit(plan)
		}
		if current >= limit {
			return &core.QuotaExceededError{Platform: in.Platform, Profile: plan, Current: current, Max: limit}
		}

		record := &connectionRecord{
			ID:           uuid.NewString(),
			UserID:       strings.TrimSpace(in.UserID),
			Platform:     string(in.Platform),
			AccountID:    strings.TrimSpace(in.AccountID),
			AccountName:  strings.TrimSpace(in.AccountName),
			AccessToken:  accessCipher,
			RefreshToken: refreshCipher,
			ExpiresAt:    utcPointer(in.ExpiresAt),
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		created, err := s.repo.CreateTx(ctx, tx, record)
		if err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		return core.Connection{}, err
	}
	return s.toDomain(ctx, out), nil
}

func (s *ConnectionStore) List(ctx context.Context, userID string, platform *core.Platform) ([]core.Connection, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	criteria := []repository.SelectCriteria{
		repository.SelectBy("user_id", "=", strings.TrimSpace(userID)),
		repository.SelectBy("is_active", "=", true),
	}
	if platform != nil {
		criteria = append(criteria, repository.SelectBy("platform", "=", string(*platform)))
	}
	criteria = append(criteria, repository.OrderBy("created_at DESC"))
	records, _, err := s.repo.List(ctx, criteria...)
	if err != nil {
		return nil, err
	}
	out := make([]core.Connection, 0, len(records))
	for _, record := range records {
		out = append(out, s.toDomain(ctx, record))
	}
	return out, nil
}

func (s *ConnectionStore) Get(ctx context.Context, userID string, connectionID string) (core.Connection, bool, error) {
	if err := s.ready(); err != nil {
		return core.Connection{}, false, err
	}
	record := &connectionRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(connectionID)).
		Where("?TableAlias.user_id = ?", strings.TrimSpace(userID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Connection{}, false, nil
		}
		return core.Connection{}, false, err
	}
	return s.toDomain(ctx, record), true, nil
}

func (s *ConnectionStore) GetByAccount(ctx context.Context, userID string, platform core.Platform, accountID string) (core.Connection, bool, error) {
	if err := s.ready(); err != nil {
		return core.Connection{}, false, err
	}
	record, err := findActiveByAccountTx(ctx, s.db, userID, platform, accountID)
	if err != nil {
		return core.Connection{}, false, err
	}
	if record == nil {
		return core.Connection{}, false, nil
	}
	return s.toDomain(ctx, record), true, nil
}

// Update applies the non-nil patch fields. Token fields are re-encrypted;
// everything else on the row is left as is.
func (s *ConnectionStore) Update(ctx context.Context, connectionID string, patch core.ConnectionPatch) (core.Connection, error) {
	if err := s.ready(); err != nil {
		return core.Connection{}, err
	}
	id := strings.TrimSpace(connectionID)
	if id == "" {
		return core.Connection{}, fmt.Errorf("sqlstore: connection id is required")
	}

	var accessCipher, refreshCipher string
	var err error
	if patch.AccessToken != nil {
		if accessCipher, err = s.cipher.Encrypt(ctx, *patch.AccessToken); err != nil {
			return core.Connection{}, err
		}
	}
	if patch.RefreshToken != nil {
		if refreshCipher, err = s.encryptOptional(ctx, *patch.RefreshToken); err != nil {
			return core.Connection{}, err
		}
	}

	var out *connectionRecord
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := &connectionRecord{}
		if err := tx.NewSelect().Model(record).Where("?TableAlias.id = ?", id).Limit(1).Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return core.NewNotFoundError("connection", id)
			}
			return err
		}
		if patch.AccountName != nil {
			record.AccountName = strings.TrimSpace(*patch.AccountName)
		}
		if patch.AccessToken != nil {
			record.AccessToken = accessCipher
		}
		if patch.RefreshToken != nil {
			record.RefreshToken = refreshCipher
		}
		if patch.ExpiresAt != nil {
			record.ExpiresAt = utcPointer(patch.ExpiresAt)
		} else if patch.ClearExpiry {
			record.ExpiresAt = nil
		}
		if patch.IsActive != nil {
			record.IsActive = *patch.IsActive
		}
		record.UpdatedAt = s.now()
		if _, err := tx.NewUpdate().Model(record).WherePK().Exec(ctx); err != nil {
			return err
		}
		out = record
		return nil
	})
	if err != nil {
		return core.Connection{}, err
	}
	return s.toDomain(ctx, out), nil
}

func (s *ConnectionStore) Delete(ctx context.Context, userID string, connectionID string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	res, err := s.db.NewUpdate().
		Model((*connectionRecord)(nil)).
		Set("is_active = ?", false).
		Set("updated_at = ?", s.now()).
		Where("id = ?", strings.TrimSpace(connectionID)).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Where("is_active = ?", true).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *ConnectionStore) Limits(ctx context.Context, userID string, platform core.Platform) (core.ConnectionLimits, error) {
	if err := s.ready(); err != nil {
		return core.ConnectionLimits{}, err
	}
	plan, ok, err := s.plans.ResolvePlan(ctx, strings.TrimSpace(userID))
	if err != nil {
		return core.ConnectionLimits{}, err
	}
	current, err := countActive(ctx, s.db, userID, platform)
	if err != nil {
		return core.ConnectionLimits{}, err
	}
	limit := 0
	if ok {
		limit = s.quotas.Limit(plan)
	}
	return core.ConnectionLimits{
		Current:   current,
		Max:       limit,
		Profile:   plan,
		Remaining: max(limit-current, 0),
	}, nil
}

func (s *ConnectionStore) ready() error {
	if s == nil || s.db == nil || s.repo == nil || s.cipher == nil || s.plans == nil {
		return fmt.Errorf("sqlstore: connection store is not configured")
	}
	return nil
}

func (s *ConnectionStore) encryptOptional(ctx context.Context, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	return s.cipher.Encrypt(ctx, value)
}

// toDomain decrypts the token columns. A row whose cipher text cannot be
// opened is returned with CredentialUnreadable set and empty tokens.
func (s *ConnectionStore) toDomain(ctx context.Context, record *connectionRecord) core.Connection {
	if record == nil {
		return core.Connection{}
	}
	conn := core.Connection{
		ID:          record.ID,
		UserID:      record.UserID,
		Platform:    core.Platform(record.Platform),
		AccountID:   record.AccountID,
		AccountName: record.AccountName,
		ExpiresAt:   utcPointer(record.ExpiresAt),
		IsActive:    record.IsActive,
		CreatedAt:   record.CreatedAt.UTC(),
		UpdatedAt:   record.UpdatedAt.UTC(),
	}
	access, ok := s.cipher.Decrypt(ctx, record.AccessToken)
	if !ok {
		conn.CredentialUnreadable = true
		return conn
	}
	conn.AccessToken = access
	if record.RefreshToken != "" {
		refresh, ok := s.cipher.Decrypt(ctx, record.RefreshToken)
		if !ok {
			conn.AccessToken = ""
			conn.CredentialUnreadable = true
			return conn
		}
		conn.RefreshToken = refresh
	}
	return conn
}

func findActiveByAccountTx(ctx context.Context, db bun.IDB, userID string, platform core.Platform, accountID string) (*connectionRecord, error) {
	record := &connectionRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.user_id = ?", strings.TrimSpace(userID)).
		Where("?TableAlias.platform = ?", string(platform)).
		Where("?TableAlias.account_id = ?", strings.TrimSpace(accountID)).
		Where("?TableAlias.is_active = ?", true).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func countActive(ctx context.Context, db bun.IDB, userID string, platform core.Platform) (int, error) {
	return db.NewSelect().
		Model((*connectionRecord)(nil)).
		Where("?TableAlias.user_id = ?", strings.TrimSpace(userID)).
		Where("?TableAlias.platform = ?", string(platform)).
		Where("?TableAlias.is_active = ?", true).
		Count(ctx)
}

// lockPlanTx reads the user's plan inside the quota transaction. SQLite
// serializes writers on its own, so only Postgres takes a row lock.
func lockPlanTx(ctx context.Context, tx bun.Tx, userID string) (core.PlanTier, bool, error) {
	record := &userPlanRecord{}
	query := tx.NewSelect().Model(record).Where("?TableAlias.user_id = ?", strings.TrimSpace(userID)).Limit(1)
	if tx.Dialect().Name() == dialect.PG {
		query = query.For("UPDATE")
	}
	if err := query.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	plan, err := core.ParsePlanTier(record.Plan)
	if err != nil {
		return "", false, err
	}
	return plan, true, nil
}

func utcPointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
