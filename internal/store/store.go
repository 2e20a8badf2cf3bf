package store

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/genomic-intake-server/internal/domain"
)

// Supported storage drivers
const (
	DriverCSV    = "csv"
	DriverSQLite = "sqlite"
)

// Open builds the record store selected by cfg.Driver. Relative file names
// are resolved against cfg.DataDir.
func Open(cfg domain.StorageConfig, logger *logrus.Logger) (domain.RecordStore, error) {
	switch cfg.Driver {
	case DriverCSV, "":
		return NewCSVStore(resolve(cfg.DataDir, cfg.PatientsFile), resolve(cfg.DataDir, cfg.ReportsFile), logger)
	case DriverSQLite:
		return NewSQLiteStore(resolve(cfg.DataDir, cfg.SQLitePath), logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func resolve(dir, name string) string {
	if filepath.IsAbs(name) || dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}
