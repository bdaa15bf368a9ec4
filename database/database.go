// database/database.go
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"platform-sync/config"
	"platform-sync/models"
)

// Open connects to Postgres, creating the target database first when it is
// missing, and applies the pool settings.
func Open(cfg config.DatabaseConfig, log *logrus.Logger) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: newGormLogger(cfg, log)}

	db, err := gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	if err != nil && isMissingDatabase(err) {
		log.Info("🛠️ Target database does not exist, creating it…")
		if e := EnsureDatabaseExists(cfg.DSN); e != nil {
			return nil, fmt.Errorf("create database: %w", e)
		}
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

// Migrate creates or updates every table owned by the sync engine.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.SyncEvent{},
		&models.Transaction{},
		&models.SyncState{},
		&models.PlatformLink{},
		&models.RoleGrant{},
		&models.SyncLog{},
		&models.PlatformUser{},
	)
}

func isMissingDatabase(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "does not exist") || strings.Contains(msg, "3D000")
}

// EnsureDatabaseExists connects to the postgres maintenance database and
// creates the database named in dsn when absent. dsn must be URL-shaped.
func EnsureDatabaseExists(dsn string) error {
	adminDSN, dbname, err := adminDSN(dsn)
	if err != nil {
		return err
	}
	if dbname == "" {
		return nil
	}
	db, err := sql.Open("pgx", adminDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	err = db.QueryRow("SELECT 1 FROM pg_database WHERE datname = $1", dbname).Scan(new(int))
	if errors.Is(err, sql.ErrNoRows) {
		_, err = db.Exec(`CREATE DATABASE "` + strings.ReplaceAll(dbname, `"`, `""`) + `"`)
	}
	return err
}

// adminDSN rewrites dsn to point at the postgres database. dbname is empty
// when dsn already targets it.
func adminDSN(dsn string) (string, string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", "", fmt.Errorf("dsn must be a postgres URL, got scheme %q", u.Scheme)
	}
	dbname := strings.TrimSpace(strings.TrimPrefix(u.Path, "/"))
	if dbname == "" || dbname == "postgres" {
		return dsn, "", nil
	}
	u.Path = "/postgres"
	return u.String(), dbname, nil
}

func newGormLogger(cfg config.DatabaseConfig, log *logrus.Logger) logger.Interface {
	level := logger.Warn
	switch strings.ToLower(cfg.LogLevel) {
	case "silent":
		level = logger.Silent
	case "error":
		level = logger.Error
	case "info":
		level = logger.Info
	}
	return logger.New(log, logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})
}
