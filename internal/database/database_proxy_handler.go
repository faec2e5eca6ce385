package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"proxypool/internal/domain"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrProxyNotFound = errors.New("proxy not found")

// Store owns the proxies table. Every method is a single statement, so
// concurrent callers on the same (host, port) rely on the database's
// statement atomicity rather than on locks held here.
type Store struct {
	db           *gorm.DB
	defaultQuota int
}

type StoreOption func(*Store)

// WithDefaultQuota sets the quota granted to a proxy on its first insert.
func WithDefaultQuota(quota int) StoreOption {
	return func(s *Store) {
		if quota > 0 {
			s.defaultQuota = quota
		}
	}
}

func NewStore(db *gorm.DB, opts ...StoreOption) *Store {
	store := &Store{
		db:           db,
		defaultQuota: domain.DefaultQuota,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Setup creates the schema. It is safe to call on every start.
func (s *Store) Setup(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("database: connection was not initialised")
	}
	if err := s.db.WithContext(ctx).AutoMigrate(defaultMigrations()...); err != nil {
		return fmt.Errorf("database: auto migrate: %w", err)
	}
	log.Debug("Database migration completed.")
	return nil
}

// Upsert records a successful validation. It inserts the proxy with the
// default quota, or refreshes only last_validated when it already exists; the
// quota of a known proxy is never touched.
func (s *Store) Upsert(ctx context.Context, host string, port uint16) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("database: connection was not initialised")
	}

	now := time.Now().UTC()
	record := domain.Proxy{
		Host:          host,
		Port:          port,
		Protocol:      domain.DefaultProtocol,
		Quota:         s.defaultQuota,
		LastValidated: &now,
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "host"},
			{Name: "port"},
		},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_validated": gorm.Expr("excluded.last_validated"),
			"updated_at":     gorm.Expr("excluded.updated_at"),
		}),
	}).Create(&record).Error
}

// ListAvailable returns at most limit proxies that still have quota, in
// insertion order.
func (s *Store) ListAvailable(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return []string{}, nil
	}
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("database: connection was not initialised")
	}

	var rows []domain.Proxy
	if err := s.db.WithContext(ctx).
		Select("id", "host", "port").
		Where("quota > ?", 0).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("database: list available proxies: %w", err)
	}

	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.GetFullProxy())
	}
	return out, nil
}

// DecrementQuota takes one use off the proxy. Unknown proxies and proxies
// already at zero are left alone.
func (s *Store) DecrementQuota(ctx context.Context, host string, port uint16) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("database: connection was not initialised")
	}

	result := s.db.WithContext(ctx).
		Model(&domain.Proxy{}).
		Where("host = ? AND port = ? AND quota > ?", host, port, 0).
		Update("quota", gorm.Expr("quota - ?", 1))
	if result.Error != nil {
		return fmt.Errorf("database: decrement quota: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		log.Debug("Quota decrement skipped", "host", host, "port", port)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, host string, port uint16) (domain.Proxy, error) {
	if s == nil || s.db == nil {
		return domain.Proxy{}, fmt.Errorf("database: connection was not initialised")
	}

	var proxy domain.Proxy
	err := s.db.WithContext(ctx).
		Where("host = ? AND port = ?", host, port).
		Take(&proxy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Proxy{}, ErrProxyNotFound
	}
	if err != nil {
		return domain.Proxy{}, fmt.Errorf("database: get proxy: %w", err)
	}
	return proxy, nil
}

// Count reports the number of known proxies and how many still have quota.
func (s *Store) Count(ctx context.Context) (total int64, available int64, err error) {
	if s == nil || s.db == nil {
		return 0, 0, fmt.Errorf("database: connection was not initialised")
	}

	db := s.db.WithContext(ctx)
	if err := db.Model(&domain.Proxy{}).Count(&total).Error; err != nil {
		return 0, 0, fmt.Errorf("database: count proxies: %w", err)
	}
	if err := db.Model(&domain.Proxy{}).Where("quota > ?", 0).Count(&available).Error; err != nil {
		return 0, 0, fmt.Errorf("database: count available proxies: %w", err)
	}
	return total, available, nil
}
