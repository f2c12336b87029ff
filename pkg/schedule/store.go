package schedule

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/drover-sh/drover/pkg/droverr"
	"github.com/drover-sh/drover/pkg/models"
)

const fileVersion = 1

// scheduleFile is the on-disk shape of schedules.json.
type scheduleFile struct {
	Version   int                `json:"version"`
	Schedules []*models.Schedule `json:"schedules"`
}

// loadSchedules reads the persisted schedule list. A missing file is an
// empty list, not an error.
func loadSchedules(path string) ([]*models.Schedule, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, droverr.Wrap(droverr.CodeFilesystem, err, "read schedule file")
	}
	var f scheduleFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, droverr.Wrap(droverr.CodeFilesystem, err, "parse schedule file")
	}
	return f.Schedules, nil
}

// saveSchedules rewrites the schedule list through a temp file and a
// rename, so readers never see a half-written list.
func saveSchedules(path string, schedules []*models.Schedule) error {
	data, err := json.MarshalIndent(scheduleFile{Version: fileVersion, Schedules: schedules}, "", "  ")
	if err != nil {
		return droverr.Wrap(droverr.CodeFilesystem, err, "encode schedule file")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return droverr.Wrap(droverr.CodeFilesystem, err, "create schedule directory")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return droverr.Wrap(droverr.CodeFilesystem, err, "write schedule file")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return droverr.Wrap(droverr.CodeFilesystem, err, "replace schedule file")
	}
	return nil
}
