package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dispatchd/pkg/types"
)

// JournalFile is the journal's file name under the data dir.
const JournalFile = "jobs_journal.json"

// Journal persists the full job set as one JSON document. Each durable
// transition rewrites the whole file via temp + rename, so a crash leaves
// either the old document or the new one, never a torn write.
type Journal struct {
	path string
}

func NewJournal(dataDir string) *Journal {
	return &Journal{path: filepath.Join(dataDir, JournalFile)}
}

// Path returns the journal file location.
func (j *Journal) Path() string {
	return j.path
}

type document struct {
	Jobs []*types.Job `json:"jobs"`
}

// Write replaces the journal with the given job set.
func (j *Journal) Write(jobs []*types.Job) error {
	data, err := json.MarshalIndent(document{Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp journal: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename journal: %w", err)
	}
	return nil
}

// Load reads the journal; an absent file is an empty job set.
func (j *Journal) Load() ([]*types.Job, error) {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read journal: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse journal: %w", err)
	}
	return doc.Jobs, nil
}
