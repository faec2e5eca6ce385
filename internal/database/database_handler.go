package database

import (
	"fmt"
	"strings"
	"time"

	"proxypool/internal/domain"
	"proxypool/internal/support"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"

	sqliteBusyTimeoutMillis = 5000
)

type Config struct {
	Dialector gorm.Dialector
	Logger    logger.Interface
}

type Option func(*Config)

func WithDialector(dialector gorm.Dialector) Option {
	return func(cfg *Config) {
		cfg.Dialector = dialector
	}
}

func WithLogger(l logger.Interface) Option {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

// Open connects to the database named by dsn. Postgres URLs and keyword DSNs
// go to the postgres driver; anything else is treated as a sqlite path.
func Open(dsn string, opts ...Option) (*gorm.DB, error) {
	cfg := Config{
		Dialector: DialectorForDSN(dsn),
		Logger:    silentLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.Dialector == nil {
		return nil, fmt.Errorf("database: no dialector for dsn %q", dsn)
	}

	gormCfg := &gorm.Config{}
	if cfg.Logger != nil {
		gormCfg.Logger = cfg.Logger
	}
	db, err := gorm.Open(cfg.Dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("database: open connection: %w", err)
	}

	if db.Dialector.Name() == DialectSQLite {
		if err := configureSQLite(db); err != nil {
			return nil, err
		}
	} else {
		configureConnectionPool(db)
	}

	return db, nil
}

func DetectDialect(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DialectPostgres
	case strings.Contains(lower, "host=") || strings.Contains(lower, "dbname="):
		return DialectPostgres
	default:
		return DialectSQLite
	}
}

func DialectorForDSN(dsn string) gorm.Dialector {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil
	}
	if DetectDialect(dsn) == DialectPostgres {
		return postgres.Open(dsn)
	}
	return sqlite.Open(dsn)
}

func silentLogger() logger.Interface {
	return logger.New(
		log.Default(),
		logger.Config{LogLevel: logger.Silent},
	)
}

// QueryLogger prints every statement and flags slow ones. Used when the
// process runs at debug level.
func QueryLogger() logger.Interface {
	return logger.New(
		log.Default(),
		logger.Config{
			LogLevel:                  logger.Info,
			SlowThreshold:             200 * time.Millisecond,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// configureSQLite serialises access through one connection. Concurrent probe
// workers then queue on the pool instead of failing with SQLITE_BUSY, and a
// shared in-memory database survives because its only connection is never
// recycled.
func configureSQLite(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database: get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(0)

	if err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", sqliteBusyTimeoutMillis)).Error; err != nil {
		return fmt.Errorf("database: set busy timeout: %w", err)
	}
	return nil
}

func configureConnectionPool(db *gorm.DB) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Error("database: get sql.DB", "error", err)
		return
	}

	maxOpen := support.GetEnvInt("DB_MAX_OPEN_CONNS", 32)
	maxIdle := support.GetEnvInt("DB_MAX_IDLE_CONNS", maxOpen)
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	connLifetimeSeconds := support.GetEnvInt("DB_CONN_MAX_LIFETIME", 300)
	connIdleSeconds := support.GetEnvInt("DB_CONN_MAX_IDLE_TIME", 60)

	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle >= 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if connLifetimeSeconds > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(connLifetimeSeconds) * time.Second)
	}
	if connIdleSeconds > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(connIdleSeconds) * time.Second)
	}
}

func defaultMigrations() []any {
	return []any{
		domain.Proxy{},
	}
}
