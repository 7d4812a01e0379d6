package ingest

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Artifact names within a work directory.
const (
	StoreName     = "normalized.gz"
	ManhattanName = "manhattan.json"
	QQName        = "qq.json"
	LogName       = "ingest.log"
)

// WorkDir is the exclusive output directory of one ingest run.
type WorkDir struct {
	ID   string
	Path string
}

// NewWorkDir creates a fresh, randomly named directory under root, creating
// root if needed.  No two runs share a WorkDir, so concurrent runs never
// write the same paths.
func NewWorkDir(root string) (WorkDir, error) {
	return newWorkDir(root, uuid.New().String())
}

// newWorkDir creates root/id.  It fails if that directory already exists.
func newWorkDir(root, id string) (WorkDir, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return WorkDir{}, errors.Wrapf(err, "create work root %s", root)
	}
	dir := filepath.Join(root, id)
	if err := os.Mkdir(dir, 0755); err != nil {
		return WorkDir{}, errors.Wrapf(err, "create work dir %s", dir)
	}
	return WorkDir{ID: id, Path: dir}, nil
}

// Join returns the path of the named artifact.
func (d WorkDir) Join(name string) string { return filepath.Join(d.Path, name) }

// Store returns the normalized store path.
func (d WorkDir) Store() string { return d.Join(StoreName) }

// Manhattan returns the manhattan.json path.
func (d WorkDir) Manhattan() string { return d.Join(ManhattanName) }

// QQ returns the qq.json path.
func (d WorkDir) QQ() string { return d.Join(QQName) }

// Log returns the ingest log path.
func (d WorkDir) Log() string { return d.Join(LogName) }
