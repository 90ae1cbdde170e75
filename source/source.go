package source

import (
	"errors"

	"github.com/root-talis/migrator/migration"
)

type Source interface {
	GetAvailableMigrations() ([]migration.Description, error)
	ReadMigration(mig migration.Migration) (*migration.Step, error)
}

var (
	ErrMigrationDuplicated = errors.New("migration version already exists with different name")
	ErrMigrationNotFound   = errors.New("migration is not available in the source")
)
