package importer

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/sells-group/commsync/internal/model"
)

// CheckpointFile persists an ImportCheckpoint as JSON. Absence of the file
// means no run is in progress.
type CheckpointFile struct {
	path string
}

// NewCheckpointFile returns a CheckpointFile at path.
func NewCheckpointFile(path string) *CheckpointFile {
	return &CheckpointFile{path: path}
}

// Path returns the file location.
func (f *CheckpointFile) Path() string {
	return f.path
}

// Load reads the checkpoint. It returns nil, nil when the file is absent.
func (f *CheckpointFile) Load() (*model.ImportCheckpoint, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "checkpoint: read %s", f.path)
	}
	var cp model.ImportCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, eris.Wrapf(err, "checkpoint: decode %s", f.path)
	}
	return &cp, nil
}

// Save writes cp atomically: a crash mid-write leaves the previous
// checkpoint intact.
func (f *CheckpointFile) Save(cp *model.ImportCheckpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return eris.Wrap(err, "checkpoint: encode")
	}
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "checkpoint: create dir %s", dir)
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrapf(err, "checkpoint: write %s", tmp)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return eris.Wrapf(err, "checkpoint: rename %s", tmp)
	}
	return nil
}

// Delete removes the checkpoint. A missing file is not an error.
func (f *CheckpointFile) Delete() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return eris.Wrapf(err, "checkpoint: delete %s", f.path)
	}
	return nil
}
