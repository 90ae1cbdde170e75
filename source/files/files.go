package files

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/root-talis/migrator/migration"
	"github.com/root-talis/migrator/source"
)

const fileExtension = ".yaml"

var ErrMigrationsDirectoryIsNotADirectory = errors.New("migrations directory is not a directory")

type filesSource struct {
	fsys          fs.FS
	migrationsDir string
}

// NewFilesSource reads migration steps from files named V<version>_<name>.yaml in dir.
func NewFilesSource(fsys fs.FS, dir string) (source.Source, error) {
	stat, err := fs.Stat(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat migrations directory: %w", err)
	}

	if !stat.IsDir() {
		return nil, ErrMigrationsDirectoryIsNotADirectory
	}

	return &filesSource{
		fsys:          fsys,
		migrationsDir: dir,
	}, nil
}

func (src *filesSource) GetAvailableMigrations() ([]migration.Description, error) {
	migrations, err := src.scan()
	if err != nil {
		return nil, err
	}

	result := make([]migration.Description, 0, len(migrations))
	for _, mig := range migrations {
		step, err := src.ReadMigration(mig)
		if err != nil {
			return nil, err
		}
		result = append(result, step.Description())
	}

	return result, nil
}

func (src *filesSource) ReadMigration(mig migration.Migration) (*migration.Step, error) {
	fileName := path.Join(src.migrationsDir, makeFileName(mig))

	file, err := src.fsys.Open(fileName)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", source.ErrMigrationNotFound, mig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open migration %s: %w", fileName, err)
	}
	defer file.Close()

	step, err := migration.DecodeStep(file, mig)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration %s: %w", fileName, err)
	}

	return step, nil
}

// scan finds all suitable file names, sorted by version
func (src *filesSource) scan() ([]migration.Migration, error) {
	dirEntries, err := fs.ReadDir(src.fsys, src.migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read contents of migrations directory: %w", err)
	}

	migrations := make(versionMap)
	for _, entry := range dirEntries {
		if entry.IsDir() || !entry.Type().IsRegular() {
			continue
		}

		mig, err := getValidMigrationFromFileName(entry.Name())
		if err != nil {
			continue
		}

		if err = migrations.add(mig); err != nil {
			return nil, fmt.Errorf("failed to parse directory entries: %w", err)
		}
	}

	result := make([]migration.Migration, 0, len(migrations))
	for _, mig := range migrations {
		result = append(result, mig)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})

	return result, nil
}

type versionMap map[migration.Version]migration.Migration

func (m versionMap) add(mig migration.Migration) error {
	existing, exists := m[mig.Version]

	if exists && existing.Name != mig.Name {
		return fmt.Errorf(
			"%w: migration %s already exists with name \"%s\" (new name \"%s\" is encountered)",
			source.ErrMigrationDuplicated,
			mig.Version,
			existing.Name,
			mig.Name,
		)
	}

	m[mig.Version] = mig
	return nil
}

func makeFileName(mig migration.Migration) string {
	return fmt.Sprintf("V%s_%s%s", mig.Version, mig.Name, fileExtension)
}

func getValidMigrationFromFileName(fileName string) (migration.Migration, error) {
	if !strings.HasPrefix(fileName, "V") {
		return migration.Migration{}, fmt.Errorf("migration file name is invalid: %s", fileName)
	}
	if !strings.HasSuffix(fileName, fileExtension) {
		return migration.Migration{}, fmt.Errorf("migration file name has no %s extension: %s", fileExtension, fileName)
	}

	migrationFullName := strings.TrimPrefix(fileName, "V")
	migrationFullName = strings.TrimSuffix(migrationFullName, fileExtension)

	if len(migrationFullName) < migration.VersionLength+1 {
		return migration.Migration{}, fmt.Errorf("migration file name is too short to be valid: %s", fileName)
	}

	version, err := migration.ParseVersion(migrationFullName[:migration.VersionLength])
	if err != nil {
		return migration.Migration{}, fmt.Errorf("migration file name does not contain a valid version: %w", err)
	}

	rest := migrationFullName[migration.VersionLength:]
	if rest[0] != '_' {
		return migration.Migration{}, fmt.Errorf("migration file is missing an underscore after version (%c given): %s", rest[0], fileName)
	}

	name := strings.TrimPrefix(rest, "_")
	if name == "" || strings.ContainsAny(name, ". ") {
		return migration.Migration{}, fmt.Errorf("migration file name has no valid name: %s", fileName)
	}

	return migration.Migration{
		Version: version,
		Name:    name,
	}, nil
}
