package database

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldlink/odoofield/internal/config"
	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	embeddedDataDir  = "pg_data"
	embeddedUser     = "odoofield"
	embeddedPassword = "odoofield"
	embeddedDatabase = "odoofield"
)

// DB wraps gorm.DB and includes a reference to an embedded process if active
type DB struct {
	*gorm.DB
	embedded *embeddedpostgres.EmbeddedPostgres
}

// Connect opens the local store. The handheld profile uses a SQLite file
// under DataDir; the kiosk profile boots an embedded PostgreSQL the way
// larger on-prem nodes do.
func Connect(cfg *config.Config) (*DB, error) {
	switch cfg.Storage.Driver {
	case "sqlite", "":
		return connectSQLite(cfg)
	case "embedded-postgres":
		return connectEmbedded(cfg)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}

func connectSQLite(cfg *config.Config) (*DB, error) {
	path := cfg.Storage.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.DataDir, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path+"?_journal_mode=WAL&_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}

	log.Printf("💾 Local store: sqlite at %s", path)
	return &DB{DB: db}, nil
}

func connectEmbedded(cfg *config.Config) (*DB, error) {
	port := cfg.Storage.PGPort
	if isPortInUse(port) {
		return nil, fmt.Errorf("embedded postgres port %d already in use", port)
	}

	dataPath := filepath.Join(cfg.DataDir, embeddedDataDir)
	embedded := embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
		Username(embeddedUser).
		Password(embeddedPassword).
		Database(embeddedDatabase).
		Port(uint32(port)).
		DataPath(dataPath).
		Logger(os.Stderr))

	log.Printf("🚀 Starting embedded PostgreSQL on port %d...", port)
	if err := embedded.Start(); err != nil {
		return nil, fmt.Errorf("failed to start embedded postgres: %w", err)
	}

	dsn := fmt.Sprintf("host=127.0.0.1 port=%d user=%s password=%s dbname=%s sslmode=disable",
		port, embeddedUser, embeddedPassword, embeddedDatabase)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		embedded.Stop()
		return nil, fmt.Errorf("failed to connect to embedded postgres: %w", err)
	}

	log.Printf("💾 Local store: embedded postgres at %s", dataPath)
	return &DB{DB: db, embedded: embedded}, nil
}

// isPortInUse checks if a port is already in use
func isPortInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Close shuts down the store and any embedded server process.
func (db *DB) Close() error {
	if sqlDB, err := db.DB.DB(); err == nil {
		sqlDB.Close()
	}
	if db.embedded != nil {
		log.Println("🛑 Stopping embedded PostgreSQL...")
		return db.embedded.Stop()
	}
	return nil
}
