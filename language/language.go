// Package language describes the source languages coderun can execute and
// the per-run file names derived for each of them.
package language

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Language identifies a supported source language.
type Language string

// Supported languages.
const (
	Python Language = "python"
	CPP    Language = "cpp"
)

// ErrUnsupported is returned by Parse for any language outside the supported set.
var ErrUnsupported = errors.New("unsupported language")

// All lists the supported languages in a stable order.
func All() []Language {
	return []Language{Python, CPP}
}

// Names returns All as plain strings, for enums in tool and API schemas.
func Names() []string {
	all := All()
	names := make([]string, len(all))
	for i, l := range all {
		names[i] = string(l)
	}
	return names
}

// Parse converts user input into a Language.
func Parse(s string) (Language, error) {
	switch l := Language(strings.ToLower(strings.TrimSpace(s))); l {
	case Python, CPP:
		return l, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, s)
	}
}

// Compiled reports whether runs of l produce a build artifact next to the source.
func (l Language) Compiled() bool {
	return l == CPP
}

// SourceFilename returns the host file name for a run's source.
// Embedding the run ID keeps concurrent runs from colliding in a shared directory.
func (l Language) SourceFilename(runID uuid.UUID) string {
	switch l {
	case Python:
		return runID.String() + "_script.py"
	case CPP:
		return runID.String() + "_main.cpp"
	default:
		return ""
	}
}

// ArtifactFilename returns the compiled binary's file name, or "" for
// interpreted languages.
func (l Language) ArtifactFilename(runID uuid.UUID) string {
	if !l.Compiled() {
		return ""
	}
	return runID.String() + "_main.out"
}

// ArtifactFor derives the artifact file name from a source file name.
func (l Language) ArtifactFor(sourceFilename string) string {
	if !l.Compiled() {
		return ""
	}
	return strings.TrimSuffix(sourceFilename, ".cpp") + ".out"
}

func (l Language) String() string {
	return string(l)
}
