package persist

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kneelinghorse/semantext-hub/pkg/errors"
	"github.com/kneelinghorse/semantext-hub/pkg/events"
	"github.com/kneelinghorse/semantext-hub/pkg/lifecycle"
	"github.com/kneelinghorse/semantext-hub/pkg/logger"
	"github.com/kneelinghorse/semantext-hub/pkg/manifest"
)

const (
	stateFileName = "state.json"
	logFileName   = "events.log"

	dirPerm  = 0o750
	filePerm = 0o600
)

// Config holds the recognized persistence options.
type Config struct {
	// BaseDir is the root for file persistence; one subdirectory per manifest.
	BaseDir string

	// SkipCorrupt replays past unparseable event-log lines instead of
	// failing. Default off: a corrupted line is fatal to the manifest.
	SkipCorrupt bool
}

// Store persists per-manifest state under <BaseDir>/<manifestId>/.
type Store struct {
	cfg Config

	// mu guards logMu. Appends to a single manifest's log serialize through
	// a per-manifest mutex so the append+fsync pair stays intact.
	mu    sync.Mutex
	logMu map[string]*sync.Mutex
}

// NewStore creates a file-backed store rooted at cfg.BaseDir.
func NewStore(cfg Config) (*Store, error) {
	if cfg.BaseDir == "" {
		return nil, errors.NewValidationError("baseDir is required", nil)
	}
	if err := os.MkdirAll(cfg.BaseDir, dirPerm); err != nil {
		return nil, errors.NewInternalError("failed to create base directory", err)
	}
	return &Store{
		cfg:   cfg,
		logMu: make(map[string]*sync.Mutex),
	}, nil
}

// BaseDir returns the persistence root.
func (s *Store) BaseDir() string {
	return s.cfg.BaseDir
}

func (s *Store) manifestDir(manifestID string) string {
	return filepath.Join(s.cfg.BaseDir, manifestID)
}

// StatePath returns the snapshot path for a manifest.
func (s *Store) StatePath(manifestID string) string {
	return filepath.Join(s.manifestDir(manifestID), stateFileName)
}

// LogPath returns the event-log path for a manifest.
func (s *Store) LogPath(manifestID string) string {
	return filepath.Join(s.manifestDir(manifestID), logFileName)
}

func (s *Store) logMutex(manifestID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.logMu[manifestID]
	if !ok {
		m = &sync.Mutex{}
		s.logMu[manifestID] = m
	}
	return m
}

// SaveState atomically writes the snapshot for a manifest. The on-disk form
// is pretty-printed UTF-8.
func (s *Store) SaveState(ctx context.Context, manifestID string, v Versioned) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCancelledError("save state cancelled", err)
	}
	if err := os.MkdirAll(s.manifestDir(manifestID), dirPerm); err != nil {
		return errors.NewInternalError("failed to create manifest directory", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.NewInternalError("failed to encode state", err)
	}
	if err := WriteFileAtomic(s.StatePath(manifestID), data, filePerm); err != nil {
		return errors.NewInternalError("failed to write snapshot", err)
	}
	return nil
}

// SaveStateChecked writes the snapshot only if the on-disk version is
// exactly v.Version-1, serialized through the per-manifest mutex. A version
// mismatch reports conflict so optimistic writers can retry.
func (s *Store) SaveStateChecked(ctx context.Context, manifestID string, v Versioned) error {
	mu := s.logMutex(manifestID)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.LoadState(ctx, manifestID)
	if err != nil && !errors.IsNotFound(err) {
		return err
	}
	if err == nil && current.Version != v.Version-1 {
		return errors.NewConflictError(
			fmt.Sprintf("version moved to %d while writing %d", current.Version, v.Version), nil).
			WithContext("manifestId", manifestID)
	}
	return s.SaveState(ctx, manifestID, v)
}

// CreateState writes the initial snapshot only if no record (snapshot or
// log) exists for the manifest, serialized through the per-manifest mutex so
// racing creators cannot both win. An existing record reports conflict.
func (s *Store) CreateState(ctx context.Context, manifestID string, v Versioned) error {
	mu := s.logMutex(manifestID)
	mu.Lock()
	defer mu.Unlock()

	if s.Exists(manifestID) {
		return errors.NewConflictError(
			fmt.Sprintf("manifest %s already exists", manifestID), nil).
			WithContext("manifestId", manifestID)
	}
	return s.SaveState(ctx, manifestID, v)
}

// Remove deletes all persisted state for a manifest, snapshot and event log
// alike. A manifest with no on-disk record is not_found.
func (s *Store) Remove(ctx context.Context, manifestID string) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCancelledError("remove cancelled", err)
	}

	mu := s.logMutex(manifestID)
	mu.Lock()
	defer mu.Unlock()

	if !s.Exists(manifestID) {
		return errors.NewNotFoundError(
			fmt.Sprintf("no state for manifest %s", manifestID), nil)
	}
	if err := os.RemoveAll(s.manifestDir(manifestID)); err != nil {
		return errors.NewInternalError("failed to remove manifest state", err)
	}
	return nil
}

// LoadState reads the snapshot for a manifest without recovery. A missing
// file is not_found; an unparseable file is integrity.
func (s *Store) LoadState(ctx context.Context, manifestID string) (Versioned, error) {
	if err := ctx.Err(); err != nil {
		return Versioned{}, errors.NewCancelledError("load state cancelled", err)
	}

	data, err := os.ReadFile(s.StatePath(manifestID))
	if err != nil {
		if os.IsNotExist(err) {
			return Versioned{}, errors.NewNotFoundError(
				fmt.Sprintf("no state for manifest %s", manifestID), err)
		}
		return Versioned{}, errors.NewInternalError("failed to read snapshot", err)
	}

	var v Versioned
	if err := json.Unmarshal(data, &v); err != nil {
		return Versioned{}, errors.NewIntegrityError("snapshot is corrupted", err).
			WithContext("manifestId", manifestID)
	}
	return v, nil
}

// LoadStateWithRecovery loads the snapshot, falling back to event-log replay
// when the snapshot is missing or corrupted. A successful replay is written
// back as a fresh snapshot at version 1.
func (s *Store) LoadStateWithRecovery(ctx context.Context, manifestID string) (Versioned, error) {
	v, err := s.LoadState(ctx, manifestID)
	if err == nil {
		return v, nil
	}
	if errors.IsCancelled(err) {
		return Versioned{}, err
	}

	evs, logErr := s.ReadEvents(ctx, manifestID)
	if logErr != nil || len(evs) == 0 {
		if errors.IsNotFound(err) && (logErr == nil || errors.IsNotFound(logErr)) {
			return Versioned{}, errors.NewNotFoundError(
				fmt.Sprintf("no state for manifest %s", manifestID), nil)
		}
		if logErr != nil {
			return Versioned{}, errors.NewIntegrityError(
				"snapshot unreadable and event log irrecoverable", logErr).
				WithContext("manifestId", manifestID)
		}
		return Versioned{}, err
	}

	logger.Warnw("recovering state from event log",
		"manifest_id", manifestID,
		"events", len(evs),
	)

	doc := Replay(evs)
	recovered := Versioned{
		Version:   1,
		State:     doc,
		UpdatedAt: Now(),
	}
	if err := s.SaveState(ctx, manifestID, recovered); err != nil {
		return Versioned{}, err
	}
	return recovered, nil
}

// AppendEvent appends one event to the manifest's log, serialized through a
// per-manifest mutex so concurrent appenders preserve line integrity.
func (s *Store) AppendEvent(ctx context.Context, manifestID string, ev events.Event) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCancelledError("append event cancelled", err)
	}
	if err := os.MkdirAll(s.manifestDir(manifestID), dirPerm); err != nil {
		return errors.NewInternalError("failed to create manifest directory", err)
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return errors.NewInternalError("failed to encode event", err)
	}

	mu := s.logMutex(manifestID)
	mu.Lock()
	defer mu.Unlock()

	if err := AppendLine(s.LogPath(manifestID), line); err != nil {
		return errors.NewInternalError("failed to append event", err)
	}
	return nil
}

// ReadEvents reads the full event log of a manifest in order. An
// unparseable line fails with its line number unless SkipCorrupt is set.
func (s *Store) ReadEvents(ctx context.Context, manifestID string) ([]events.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("read events cancelled", err)
	}

	f, err := os.Open(s.LogPath(manifestID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError(
				fmt.Sprintf("no event log for manifest %s", manifestID), err)
		}
		return nil, errors.NewInternalError("failed to open event log", err)
	}
	defer func() { _ = f.Close() }()

	var out []events.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			if s.cfg.SkipCorrupt {
				logger.Warnw("skipping corrupted event-log line",
					"manifest_id", manifestID, "line", lineNo, "error", err)
				continue
			}
			return nil, errors.NewIntegrityError(
				fmt.Sprintf("corrupted event log at line %d", lineNo), err).
				WithContext("manifestId", manifestID).
				WithContext("line", lineNo)
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.NewInternalError("failed to read event log", err)
	}
	return out, nil
}

// Exists reports whether any persisted record (snapshot or log) exists for
// the manifest.
func (s *Store) Exists(manifestID string) bool {
	if _, err := os.Stat(s.StatePath(manifestID)); err == nil {
		return true
	}
	if st, err := os.Stat(s.LogPath(manifestID)); err == nil && st.Size() > 0 {
		return true
	}
	return false
}

// List returns the manifest ids that have a persisted directory.
func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("list cancelled", err)
	}
	entries, err := os.ReadDir(s.cfg.BaseDir)
	if err != nil {
		return nil, errors.NewInternalError("failed to list base directory", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Replay folds an ordered event sequence into a state document starting
// from zero state. Replay is deterministic and order-preserving.
func Replay(evs []events.Event) StateDoc {
	var doc StateDoc
	for _, ev := range evs {
		applyEvent(&doc, ev)
	}
	return doc
}

func applyEvent(doc *StateDoc, ev events.Event) {
	switch ev.EventType {
	case events.ManifestCreated:
		doc.ManifestID = ev.ManifestID
		doc.CurrentState = lifecycle.StateDraft
		doc.CreatedAt = ev.Timestamp
		doc.UpdatedAt = ev.Timestamp
		if raw, ok := ev.Payload["manifest"]; ok {
			if m := decodeManifest(raw); m != nil {
				doc.Manifest = m
			}
		}
	case events.StateChanged:
		from := lifecycle.State(stringField(ev.Payload, "from"))
		to := lifecycle.State(stringField(ev.Payload, "to"))
		doc.CurrentState = to
		doc.UpdatedAt = ev.Timestamp
		doc.LastTransition = &Transition{
			From:      from,
			To:        to,
			Event:     lifecycle.Event(stringField(ev.Payload, "event")),
			Timestamp: ev.Timestamp,
			Attempt:   intField(ev.Payload, "attempt"),
		}
		if v := stringField(ev.Payload, "reviewer"); v != "" {
			doc.Reviewer = v
		}
		if v := stringField(ev.Payload, "reviewNotes"); v != "" {
			doc.ReviewNotes = v
		}
		if v := stringField(ev.Payload, "rejectionReason"); v != "" {
			doc.RejectionReason = v
		}
	case events.RegistrationCompleted, events.IntegrationCompleted, events.ErrorOccurred:
		// No state effect; these record outcomes of other subsystems.
	}
}

func decodeManifest(raw any) *manifest.Manifest {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var m manifest.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return &m
}

func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func intField(payload map[string]any, key string) int {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
