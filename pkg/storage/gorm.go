package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sethwebster/expo-free-agent/pkg/types"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore implements Store on sqlite via gorm
type GormStore struct {
	db *gorm.DB
}

// Open opens (or creates) the sqlite database at dsn and migrates the
// schema. The connection pool is capped at one connection: sqlite is a
// single-writer store and a single connection makes every transaction a
// serialized critical section.
func Open(dsn string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: types.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&types.Build{},
		&types.Worker{},
		&types.BuildLogEntry{},
		&types.Token{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &GormStore{db: db}, nil
}

// wrapErr translates gorm errors into the store's error kinds.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
}

// Build operations

func (s *GormStore) CreateBuild(ctx context.Context, build *types.Build) error {
	return wrapErr(s.db.WithContext(ctx).Create(build).Error)
}

func (s *GormStore) GetBuild(ctx context.Context, id string) (*types.Build, error) {
	var build types.Build
	if err := s.db.WithContext(ctx).First(&build, "id = ?", id).Error; err != nil {
		return nil, wrapErr(err)
	}
	return &build, nil
}

func (s *GormStore) GetBuildByAccessToken(ctx context.Context, token string) (*types.Build, error) {
	var build types.Build
	if err := s.db.WithContext(ctx).First(&build, "access_token = ?", token).Error; err != nil {
		return nil, wrapErr(err)
	}
	return &build, nil
}

func (s *GormStore) UpdateBuild(ctx context.Context, build *types.Build) error {
	return wrapErr(s.db.WithContext(ctx).Save(build).Error)
}

func (s *GormStore) ListBuildsByStatus(ctx context.Context, statuses ...types.BuildStatus) ([]*types.Build, error) {
	var builds []*types.Build
	err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("submitted_at asc, id asc").
		Find(&builds).Error
	if err != nil {
		return nil, wrapErr(err)
	}
	return builds, nil
}

func (s *GormStore) ListActiveBuildsByWorker(ctx context.Context, workerID string) ([]*types.Build, error) {
	var builds []*types.Build
	err := s.db.WithContext(ctx).
		Where("worker_id = ? AND status IN ?", workerID,
			[]types.BuildStatus{types.BuildStatusAssigned, types.BuildStatusBuilding}).
		Order("submitted_at asc, id asc").
		Find(&builds).Error
	if err != nil {
		return nil, wrapErr(err)
	}
	return builds, nil
}

func (s *GormStore) CountBuildsByStatus(ctx context.Context) (map[types.BuildStatus]int64, error) {
	type row struct {
		Status types.BuildStatus
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&types.Build{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapErr(err)
	}
	counts := make(map[types.BuildStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

func (s *GormStore) ClaimOldestPending(ctx context.Context, workerID string, otp *types.Token) (*types.Build, error) {
	var claimed *types.Build

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var build types.Build
		err := tx.Where("status = ?", types.BuildStatusPending).
			Order("submitted_at asc, id asc").
			First(&build).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		now := types.Now()

		// The status gate makes the update a compare-and-swap: a
		// concurrent claimer that got here first leaves zero rows.
		res := tx.Model(&types.Build{}).
			Where("id = ? AND status = ?", build.ID, types.BuildStatusPending).
			Updates(map[string]any{
				"status":      types.BuildStatusAssigned,
				"worker_id":   workerID,
				"assigned_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return types.ErrConcurrency
		}

		res = tx.Model(&types.Worker{}).
			Where("id = ? AND status = ?", workerID, types.WorkerStatusIdle).
			Update("status", types.WorkerStatusBuilding)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return types.ErrWorkerBusy
		}

		otp.BuildID = build.ID
		otp.WorkerID = workerID
		if err := tx.Create(otp).Error; err != nil {
			return err
		}

		build.Status = types.BuildStatusAssigned
		build.WorkerID = workerID
		build.AssignedAt = &now
		claimed = &build
		return nil
	})

	if err != nil {
		if errors.Is(err, types.ErrConcurrency) || errors.Is(err, types.ErrWorkerBusy) {
			return nil, err
		}
		return nil, wrapErr(err)
	}
	return claimed, nil
}

// Worker operations

func (s *GormStore) CreateWorker(ctx context.Context, worker *types.Worker) error {
	return wrapErr(s.db.WithContext(ctx).Create(worker).Error)
}

func (s *GormStore) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	var worker types.Worker
	if err := s.db.WithContext(ctx).First(&worker, "id = ?", id).Error; err != nil {
		return nil, wrapErr(err)
	}
	return &worker, nil
}

func (s *GormStore) GetWorkerBySessionToken(ctx context.Context, token string) (*types.Worker, error) {
	var worker types.Worker
	if err := s.db.WithContext(ctx).First(&worker, "session_token = ?", token).Error; err != nil {
		return nil, wrapErr(err)
	}
	return &worker, nil
}

func (s *GormStore) GetWorkerByPrevSessionToken(ctx context.Context, token string) (*types.Worker, error) {
	var worker types.Worker
	if err := s.db.WithContext(ctx).First(&worker, "prev_session_token = ?", token).Error; err != nil {
		return nil, wrapErr(err)
	}
	return &worker, nil
}

func (s *GormStore) UpdateWorker(ctx context.Context, worker *types.Worker) error {
	return wrapErr(s.db.WithContext(ctx).Save(worker).Error)
}

func (s *GormStore) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	var workers []*types.Worker
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&workers).Error; err != nil {
		return nil, wrapErr(err)
	}
	return workers, nil
}

func (s *GormStore) ListStaleWorkers(ctx context.Context, cutoff time.Time) ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.WithContext(ctx).
		Where("status != ? AND last_seen_at < ?", types.WorkerStatusOffline, cutoff).
		Find(&workers).Error
	if err != nil {
		return nil, wrapErr(err)
	}
	return workers, nil
}

func (s *GormStore) RotateSession(ctx context.Context, workerID, token string, expiresAt, lastSeen time.Time) error {
	res := s.db.WithContext(ctx).Model(&types.Worker{}).
		Where("id = ?", workerID).
		Updates(map[string]any{
			"prev_session_token": gorm.Expr("session_token"),
			"session_token":      token,
			"session_expires_at": expiresAt,
			"last_seen_at":       lastSeen,
		})
	if res.Error != nil {
		return wrapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.ErrNotFound
	}
	return nil
}

// Build log operations

func (s *GormStore) AppendBuildLog(ctx context.Context, entry *types.BuildLogEntry) error {
	if entry.InsertedAt.IsZero() {
		entry.InsertedAt = types.Now()
	}
	return wrapErr(s.db.WithContext(ctx).Create(entry).Error)
}

func (s *GormStore) ListBuildLogs(ctx context.Context, buildID string, limit int) ([]*types.BuildLogEntry, error) {
	var entries []*types.BuildLogEntry
	q := s.db.WithContext(ctx).
		Where("build_id = ?", buildID).
		Order("inserted_at asc, id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, wrapErr(err)
	}
	return entries, nil
}

// Token operations

func (s *GormStore) CreateToken(ctx context.Context, token *types.Token) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = types.Now()
	}
	return wrapErr(s.db.WithContext(ctx).Create(token).Error)
}

func (s *GormStore) GetToken(ctx context.Context, class types.TokenClass, secret string) (*types.Token, error) {
	var token types.Token
	err := s.db.WithContext(ctx).
		First(&token, "class = ? AND secret = ?", class, secret).Error
	if err != nil {
		return nil, wrapErr(err)
	}
	return &token, nil
}

func (s *GormStore) ConsumeToken(ctx context.Context, id uint) error {
	// Gated update: the second of two concurrent consumers sees zero rows.
	res := s.db.WithContext(ctx).Model(&types.Token{}).
		Where("id = ? AND consumed = ?", id, false).
		Update("consumed", true)
	if res.Error != nil {
		return wrapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.ErrTokenConsumed
	}
	return nil
}

func (s *GormStore) DeleteTokensForBuild(ctx context.Context, buildID string, classes ...types.TokenClass) error {
	q := s.db.WithContext(ctx).Where("build_id = ?", buildID)
	if len(classes) > 0 {
		q = q.Where("class IN ?", classes)
	}
	return wrapErr(q.Delete(&types.Token{}).Error)
}

func (s *GormStore) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at < ? OR consumed = ?", now, true).
		Delete(&types.Token{})
	if res.Error != nil {
		return 0, wrapErr(res.Error)
	}
	return res.RowsAffected, nil
}

// Tx runs fn inside a single transaction.
func (s *GormStore) Tx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

// Ping verifies the database is reachable.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrapErr(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return wrapErr(err)
	}
	return nil
}

// Close closes the database.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
