package repository

import (
	"context"
	"errors"
	"strings"

	counterdomain "github.com/smallbiznis/clickrank/internal/counter/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type sqlTx struct {
	db       *gorm.DB
	lockRows bool
}

type sqlStore struct {
	*sqlTx
}

// NewSQLStore persists counters in the users and countries tables.
func NewSQLStore(db *gorm.DB) counterdomain.Store {
	return &sqlStore{sqlTx: &sqlTx{db: db, lockRows: supportsRowLocks(db)}}
}

// SQLite serializes writers at the database level and has no FOR UPDATE.
func supportsRowLocks(db *gorm.DB) bool {
	if db == nil || db.Dialector == nil {
		return false
	}
	return !strings.EqualFold(db.Dialector.Name(), "sqlite")
}

func (s *sqlStore) Transaction(ctx context.Context, fn func(tx counterdomain.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&sqlTx{db: tx, lockRows: s.lockRows})
	})
}

func (t *sqlTx) forUpdate(ctx context.Context) *gorm.DB {
	db := t.db.WithContext(ctx)
	if t.lockRows {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

func (t *sqlTx) ReadUser(ctx context.Context, userID string) (*counterdomain.UserCounter, error) {
	var rows []counterdomain.UserCounter
	err := t.forUpdate(ctx).
		Where("user_id = ?", userID).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (t *sqlTx) ReadCountry(ctx context.Context, code string) (*counterdomain.CountryCounter, error) {
	var rows []counterdomain.CountryCounter
	err := t.forUpdate(ctx).
		Where("code = ?", code).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (t *sqlTx) UpsertUser(ctx context.Context, user counterdomain.UserCounter) error {
	if strings.TrimSpace(user.UserID) == "" {
		return errors.New("upsert user: empty user_id")
	}
	return t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"country", "total_clicks", "last_click", "updated_at"}),
	}).Create(&user).Error
}

func (t *sqlTx) UpsertCountry(ctx context.Context, country counterdomain.CountryCounter) error {
	if strings.TrimSpace(country.Code) == "" {
		return errors.New("upsert country: empty code")
	}
	return t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "total_clicks", "updated_at"}),
	}).Create(&country).Error
}

func (t *sqlTx) DeleteAllUsers(ctx context.Context) error {
	return t.db.WithContext(ctx).Exec(`DELETE FROM users`).Error
}

func (t *sqlTx) DeleteAllCountries(ctx context.Context) error {
	return t.db.WithContext(ctx).Exec(`DELETE FROM countries`).Error
}

func (s *sqlStore) QueryTopCountries(ctx context.Context, limit int) ([]counterdomain.CountryCounter, error) {
	if limit <= 0 {
		return []counterdomain.CountryCounter{}, nil
	}
	var rows []counterdomain.CountryCounter
	err := s.db.WithContext(ctx).
		Order("total_clicks DESC").
		Order("code ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *sqlStore) SumAllCountryClicks(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(total_clicks), 0) FROM countries`,
	).Scan(&total).Error
	return total, err
}

func (s *sqlStore) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&counterdomain.UserCounter{}).Count(&count).Error
	return count, err
}

func (s *sqlStore) CountCountries(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&counterdomain.CountryCounter{}).Count(&count).Error
	return count, err
}
