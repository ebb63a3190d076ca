// Package store persists operator settings and program documents as JSON
// files. Writes are debounced and atomic (temp file + rename) and every
// failure is logged rather than surfaced: persistence must never throw
// into the control path.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sixdof/armlink/internal/log"
	"github.com/sixdof/armlink/pkg/arm"
	"github.com/sixdof/armlink/pkg/protocol"
)

const (
	settingsFile = "settings.json"
	programsDir  = "programs"

	// saveDebounce batches rapid setting churn (slider drags on a config
	// screen) into a single disk write.
	saveDebounce = 500 * time.Millisecond
)

// ControlSettings are the tunables the operator UI persists.
type ControlSettings struct {
	SmoothingEnabled bool        `json:"smoothingEnabled"`
	SmoothingFactor  float64     `json:"smoothingFactor"`
	GyroSensitivity  float64     `json:"gyroSensitivity"`
	GyroPitchJoint   arm.JointID `json:"gyroPitchJoint,omitempty"`
	GyroRollJoint    arm.JointID `json:"gyroRollJoint,omitempty"`
}

// SettingsDoc is the on-disk settings document. ControlTiles is opaque UI
// layout data owned by the operator interface; it round-trips untouched.
type SettingsDoc struct {
	JointConfigs map[arm.JointID]arm.Config `json:"jointConfigs"`
	ControlTiles json.RawMessage            `json:"controlTiles,omitempty"`
	Settings     ControlSettings            `json:"settings"`
}

// DefaultSettings returns the document used when nothing is on disk.
func DefaultSettings() SettingsDoc {
	return SettingsDoc{
		JointConfigs: arm.DefaultConfigs(),
		Settings: ControlSettings{
			SmoothingEnabled: true,
			SmoothingFactor:  0.25,
			GyroSensitivity:  100,
		},
	}
}

// Store is the file-backed persistence collaborator.
type Store struct {
	dir string

	mu        sync.Mutex
	doc       SettingsDoc
	saveTimer *time.Timer
}

// NewStore opens (or creates) the data directory and loads the settings
// document if present. A corrupt settings file is logged and replaced by
// defaults; it never blocks startup.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, programsDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	s := &Store{dir: dir, doc: DefaultSettings()}

	path := filepath.Join(dir, settingsFile)
	data, err := os.ReadFile(path)
	if err == nil {
		var doc SettingsDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			log.Warn("ignoring corrupt settings file", "path", path, "err", err)
		} else {
			if doc.JointConfigs == nil {
				doc.JointConfigs = arm.DefaultConfigs()
			}
			s.doc = doc
		}
	}
	return s, nil
}

// Settings returns a copy of the current settings document.
func (s *Store) Settings() SettingsDoc {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.doc
	doc.JointConfigs = make(map[arm.JointID]arm.Config, len(s.doc.JointConfigs))
	for id, cfg := range s.doc.JointConfigs {
		doc.JointConfigs[id] = cfg
	}
	return doc
}

// Update mutates the settings document and schedules a debounced save.
func (s *Store) Update(fn func(*SettingsDoc)) {
	s.mu.Lock()
	fn(&s.doc)
	s.scheduleSaveLocked()
	s.mu.Unlock()
}

// SetJointConfig records one joint's effective config. Wired to the joint
// state store's change callback.
func (s *Store) SetJointConfig(id arm.JointID, cfg arm.Config) {
	s.Update(func(doc *SettingsDoc) {
		doc.JointConfigs[id] = cfg
	})
}

func (s *Store) scheduleSaveLocked() {
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.saveTimer = time.AfterFunc(saveDebounce, func() {
		if err := s.SaveNow(); err != nil {
			log.Warn("settings save failed", "err", err)
		}
	})
}

// SaveNow writes the settings document immediately. Used on shutdown;
// the debounced path calls it too.
func (s *Store) SaveNow() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	return atomicWrite(filepath.Join(s.dir, settingsFile), data)
}

// Close flushes any pending debounced save.
func (s *Store) Close() {
	s.mu.Lock()
	pending := s.saveTimer != nil && s.saveTimer.Stop()
	s.saveTimer = nil
	s.mu.Unlock()
	if pending {
		if err := s.SaveNow(); err != nil {
			log.Warn("settings save failed", "err", err)
		}
	}
}

// atomicWrite writes to a temp file then renames it into place.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// =============================================================================
// Program documents
// =============================================================================

func (s *Store) programPath(id string) string {
	return filepath.Join(s.dir, programsDir, id+".json")
}

// validProgramID rejects ids that would escape the programs directory.
// Ids arrive from the operator API, so they are untrusted input.
func validProgramID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// SaveProgram stores a program document, assigning an ID when missing.
// Returns the stored program.
func (s *Store) SaveProgram(p protocol.Program) (protocol.Program, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if !validProgramID(p.ID) {
		return p, fmt.Errorf("invalid program id: %q", p.ID)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return p, fmt.Errorf("failed to marshal program: %w", err)
	}
	if err := atomicWrite(s.programPath(p.ID), data); err != nil {
		return p, err
	}
	return p, nil
}

// GetProgram loads one program document by ID.
func (s *Store) GetProgram(id string) (protocol.Program, error) {
	if !validProgramID(id) {
		return protocol.Program{}, fmt.Errorf("invalid program id: %q", id)
	}
	data, err := os.ReadFile(s.programPath(id))
	if err != nil {
		return protocol.Program{}, fmt.Errorf("program not found: %s", id)
	}
	return protocol.ParseProgram(data)
}

// ListPrograms returns all stored programs sorted by name. Unreadable
// documents are skipped with a warning.
func (s *Store) ListPrograms() ([]protocol.Program, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, programsDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read programs dir: %w", err)
	}
	programs := make([]protocol.Program, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, programsDir, e.Name()))
		if err != nil {
			log.Warn("skipping unreadable program", "file", e.Name(), "err", err)
			continue
		}
		p, err := protocol.ParseProgram(data)
		if err != nil {
			log.Warn("skipping corrupt program", "file", e.Name(), "err", err)
			continue
		}
		programs = append(programs, p)
	}
	sort.Slice(programs, func(i, j int) bool { return programs[i].Name < programs[j].Name })
	return programs, nil
}

// DeleteProgram removes a stored program.
func (s *Store) DeleteProgram(id string) error {
	if !validProgramID(id) {
		return fmt.Errorf("invalid program id: %q", id)
	}
	if err := os.Remove(s.programPath(id)); err != nil {
		return fmt.Errorf("program not found: %s", id)
	}
	return nil
}
