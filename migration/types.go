package migration

import (
	"fmt"
	"time"
	"unicode"
)

type Direction rune

const (
	Down Direction = 'd'
	Up   Direction = 'u'
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	}
	return fmt.Sprintf("direction(%c)", rune(d))
}

// ---

// VersionLength is the length of a version: a "20060102150405" timestamp.
const VersionLength = 14

const VersionLayout = "20060102150405"

// Version orders lexically, which for fixed-length timestamps is chronological.
type Version string

func ParseVersion(s string) (Version, error) {
	if len(s) != VersionLength {
		return "", fmt.Errorf("version \"%s\" must have %d digits", s, VersionLength)
	}
	for _, c := range s {
		if !unicode.IsDigit(c) {
			return "", fmt.Errorf("version \"%s\" contains \"%c\" which is not a digit", s, c)
		}
	}
	return Version(s), nil
}

type Migration struct {
	Version Version
	Name    string
}

func (m Migration) String() string {
	return fmt.Sprintf("%s_%s", m.Version, m.Name)
}

// ---

type Status uint

const (
	Pending Status = iota
	Applied
	Missing
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Applied:
		return "applied"
	case Missing:
		return "missing"
	}
	return fmt.Sprintf("status(%d)", uint(s))
}

// ---

// Record is one row of the applied-migrations table.
type Record struct {
	Migration
	AppliedAt time.Time
}

// ---

type Description struct {
	Migration
	CanUndo bool
}

type State struct {
	Description
	Status    Status
	AppliedAt time.Time
}
