// Package store persists gateway state as small JSON files under a data
// directory: alarm definitions, scheduled jobs, and named equipment state
// snapshots. Writes are atomic (temp file in the same directory, then
// rename); loads tolerate malformed entries with a logged warning.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/X9X0/LabLink-sub001/internal/alarm"
	"github.com/X9X0/LabLink-sub001/internal/events"
	"github.com/X9X0/LabLink-sub001/internal/fault"
	"github.com/X9X0/LabLink-sub001/internal/schedule"
)

const (
	alarmsFile   = "alarms.json"
	scheduleFile = "schedule.json"
	statesDir    = "equipment_states"
)

// idPattern bounds the identifiers that become file name components.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// StateRecord is one named equipment state snapshot, stored as
// equipment_states/{equipment_id}_{state_id}.json.
type StateRecord struct {
	EquipmentID string                 `json:"equipment_id"`
	StateID     string                 `json:"state_id"`
	Model       string                 `json:"model,omitempty"`
	SavedAt     int64                  `json:"saved_at"`
	Settings    map[string]interface{} `json:"settings"`
}

// Store is the filesystem-backed persistence layer. Safe for concurrent
// use.
type Store struct {
	baseDir string
	mu      sync.Mutex
	logger  *events.EventLogger
}

// Open prepares the data directory, creating it as needed.
func Open(baseDir string, logger *events.EventLogger) (*Store, error) {
	if baseDir == "" {
		return nil, fault.BadRequest("data directory cannot be empty")
	}
	if logger == nil {
		logger = events.NoopEventLogger()
	}
	if err := os.MkdirAll(filepath.Join(baseDir, statesDir), 0755); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "create data directory %s", baseDir)
	}
	return &Store{baseDir: baseDir, logger: logger}, nil
}

// BaseDir returns the data directory root.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// SaveAlarms writes the full alarm definition set.
func (s *Store) SaveAlarms(defs []*alarm.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(filepath.Join(s.baseDir, alarmsFile), defs)
}

// LoadAlarms reads alarm definitions, skipping malformed entries with a
// warning. A missing or unreadable file yields an empty set.
func (s *Store) LoadAlarms() ([]*alarm.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raws, err := s.readList(filepath.Join(s.baseDir, alarmsFile))
	if err != nil {
		return nil, err
	}
	out := make([]*alarm.Definition, 0, len(raws))
	for i, raw := range raws {
		var def alarm.Definition
		if err := json.Unmarshal(raw, &def); err != nil {
			s.logger.Logger().Warn("alarm_entry_skipped", "file", alarmsFile, "index", i, "error", err.Error())
			continue
		}
		if def.ID == "" {
			s.logger.Logger().Warn("alarm_entry_skipped", "file", alarmsFile, "index", i, "reason", "missing id")
			continue
		}
		out = append(out, &def)
	}
	return out, nil
}

// SaveJobs writes the full scheduled job set.
func (s *Store) SaveJobs(jobs []*schedule.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(filepath.Join(s.baseDir, scheduleFile), jobs)
}

// LoadJobs reads scheduled jobs, skipping malformed entries with a
// warning.
func (s *Store) LoadJobs() ([]*schedule.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raws, err := s.readList(filepath.Join(s.baseDir, scheduleFile))
	if err != nil {
		return nil, err
	}
	out := make([]*schedule.Job, 0, len(raws))
	for i, raw := range raws {
		var job schedule.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			s.logger.Logger().Warn("job_entry_skipped", "file", scheduleFile, "index", i, "error", err.Error())
			continue
		}
		if job.ID == "" {
			s.logger.Logger().Warn("job_entry_skipped", "file", scheduleFile, "index", i, "reason", "missing id")
			continue
		}
		out = append(out, &job)
	}
	return out, nil
}

// SaveEquipmentState stores one named snapshot.
func (s *Store) SaveEquipmentState(rec *StateRecord) error {
	if err := validateID("equipment_id", rec.EquipmentID); err != nil {
		return err
	}
	if err := validateID("state_id", rec.StateID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(s.statePath(rec.EquipmentID, rec.StateID), rec)
}

// LoadEquipmentState reads one named snapshot.
func (s *Store) LoadEquipmentState(equipmentID, stateID string) (*StateRecord, error) {
	if err := validateID("equipment_id", equipmentID); err != nil {
		return nil, err
	}
	if err := validateID("state_id", stateID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.statePath(equipmentID, stateID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.NotFound("no saved state %q for %s", stateID, equipmentID)
		}
		return nil, fault.Wrap(fault.KindInternal, err, "read state %s/%s", equipmentID, stateID)
	}
	var rec StateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fault.Wrap(fault.KindParseError, err, "decode state %s/%s", equipmentID, stateID)
	}
	return &rec, nil
}

// ListEquipmentStates returns every snapshot saved for one instrument,
// sorted by state ID. Malformed files are skipped with a warning.
func (s *Store) ListEquipmentStates(equipmentID string) ([]*StateRecord, error) {
	if err := validateID("equipment_id", equipmentID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(filepath.Join(s.baseDir, statesDir))
	if err != nil {
		if os.IsNotExist(err) {
			return []*StateRecord{}, nil
		}
		return nil, fault.Wrap(fault.KindInternal, err, "read states directory")
	}

	prefix := equipmentID + "_"
	out := []*StateRecord{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, statesDir, name))
		if err != nil {
			s.logger.Logger().Warn("state_entry_skipped", "file", name, "error", err.Error())
			continue
		}
		var rec StateRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Logger().Warn("state_entry_skipped", "file", name, "error", err.Error())
			continue
		}
		if rec.EquipmentID != equipmentID {
			// Prefix collision with an underscore-bearing state ID.
			continue
		}
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StateID < out[j].StateID })
	return out, nil
}

// DeleteEquipmentState removes one named snapshot.
func (s *Store) DeleteEquipmentState(equipmentID, stateID string) error {
	if err := validateID("equipment_id", equipmentID); err != nil {
		return err
	}
	if err := validateID("state_id", stateID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.statePath(equipmentID, stateID)); err != nil {
		if os.IsNotExist(err) {
			return fault.NotFound("no saved state %q for %s", stateID, equipmentID)
		}
		return fault.Wrap(fault.KindInternal, err, "delete state %s/%s", equipmentID, stateID)
	}
	return nil
}

func (s *Store) statePath(equipmentID, stateID string) string {
	return filepath.Join(s.baseDir, statesDir, equipmentID+"_"+stateID+".json")
}

// writeJSON stages the document next to its destination and renames it
// into place so readers never observe a partial file.
func (s *Store) writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "encode %s", filepath.Base(path))
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "stage %s", filepath.Base(path))
	}
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmp.Name())
		if werr == nil {
			werr = cerr
		}
		return fault.Wrap(fault.KindInternal, werr, "stage %s", filepath.Base(path))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fault.Wrap(fault.KindInternal, err, "commit %s", filepath.Base(path))
	}
	return nil
}

// readList decodes a JSON array element by element. Missing files and
// whole-file corruption both yield an empty list; corruption is warned.
func (s *Store) readList(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.KindInternal, err, "read %s", filepath.Base(path))
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		s.logger.Logger().Warn("store_file_unreadable", "file", filepath.Base(path), "error", err.Error())
		return nil, nil
	}
	return raws, nil
}

func validateID(field, value string) error {
	if !idPattern.MatchString(value) {
		return fault.BadRequest("invalid %s %q", field, value)
	}
	return nil
}
