// Package migrations ships the identity schema steps and the baseline model they apply to.
package migrations

import (
	"embed"
	"fmt"

	"github.com/root-talis/migrator/schema"
	"github.com/root-talis/migrator/source"
	"github.com/root-talis/migrator/source/files"
)

//go:embed *.yaml
var fsys embed.FS

const baselineFile = "baseline.yaml"

// Source returns the embedded steps.
func Source() (source.Source, error) {
	return files.NewFilesSource(fsys, ".")
}

// Baseline returns the schema the first step applies to.
func Baseline() (*schema.Schema, error) {
	file, err := fsys.Open(baselineFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open baseline: %w", err)
	}
	defer file.Close()

	return schema.Load(file)
}
