// Package workspace resolves which local registration database to open.
//
// A workspace separates the records of one programme or district from
// another on a shared device. Each workspace has its own database file under
// the root directory, normally ~/.farmsync/workspaces.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// EnvWorkspace selects the workspace when none is given explicitly.
const EnvWorkspace = "FARMSYNC_WORKSPACE"

// Default is the workspace used when nothing else is configured.
const Default = "default"

// DBFileName is the database file inside each workspace directory.
const DBFileName = "farmsync.db"

// ErrInvalidID indicates the workspace ID format is invalid.
var ErrInvalidID = errors.New("invalid workspace ID: must be lowercase alphanumeric with hyphens, 1-4 path segments")

// Format: <segment>[/<segment>]*, 1-4 segments of lowercase alphanumerics and
// inner hyphens, each 1-64 characters.
var idRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?(\/[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?){0,3}$`)

// ValidateID validates a workspace ID such as "eastern/chipata".
func ValidateID(id string) error {
	if id == "" || len(id) > 256 {
		return ErrInvalidID
	}
	if strings.Contains(id, "--") {
		return ErrInvalidID
	}
	if !idRegex.MatchString(id) {
		return ErrInvalidID
	}
	return nil
}

// Resolve determines the workspace ID.
// Priority: explicit > FARMSYNC_WORKSPACE > "default".
func Resolve(explicit string) (string, error) {
	if explicit != "" {
		if err := ValidateID(explicit); err != nil {
			return "", fmt.Errorf("invalid workspace %q: %w", explicit, err)
		}
		return explicit, nil
	}

	if env := os.Getenv(EnvWorkspace); env != "" {
		if err := ValidateID(env); err != nil {
			return "", fmt.Errorf("invalid %s %q: %w", EnvWorkspace, env, err)
		}
		return env, nil
	}

	return Default, nil
}

// Root returns the directory holding all workspaces.
// Falls back to ./.farmsync/workspaces when the home directory is unavailable.
func Root() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".farmsync", "workspaces")
	}
	return filepath.Join(home, ".farmsync", "workspaces")
}

// Encode maps a workspace ID to a single directory name.
func Encode(id string) string {
	return strings.ReplaceAll(id, "/", "__")
}

// Decode reverses Encode.
func Decode(encoded string) string {
	return strings.ReplaceAll(encoded, "__", "/")
}

// DBPath returns the database path for a workspace under root.
// An empty root means Root().
//
//	DBPath("", "eastern/chipata") -> ~/.farmsync/workspaces/eastern__chipata/farmsync.db
func DBPath(root, id string) string {
	if root == "" {
		root = Root()
	}
	return filepath.Join(root, Encode(id), DBFileName)
}

// List returns the IDs of workspaces under root that have a database file.
func List(root string) ([]string, error) {
	if root == "" {
		root = Root()
	}
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), DBFileName)); err != nil {
			continue
		}
		ids = append(ids, Decode(e.Name()))
	}
	return ids, nil
}
