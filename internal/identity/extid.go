package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MatchMethod indicates how a patient was matched
type MatchMethod string

const (
	MatchPID      MatchMethod = "pid"
	MatchIdentity MatchMethod = "identity"
	MatchNone     MatchMethod = "none"
)

// ExternalIDData is the JSON structure for persistence
type ExternalIDData struct {
	PIDMap      map[string]string `json:"pid_map"`
	IdentityMap map[string]string `json:"identity_map"`
	Updated     string            `json:"updated"`
	Note        string            `json:"note"`
}

// ExternalIDStore keeps pseudonyms assigned by an outside authority (study
// coordinators, a trial registry). Entries are keyed by issuer and PatientID,
// with hash(Name+DOB) as a fallback for objects whose PatientID differs.
type ExternalIDStore struct {
	mu          sync.Mutex
	path        string
	salt        string
	pidMap      map[string]string // issuer|patient_id -> pseudonym
	identityMap map[string]string // identity_hash -> pseudonym
	logger      zerolog.Logger
}

// NewExternalIDStore creates a store, loading from path if it exists.
func NewExternalIDStore(path, salt string, logger zerolog.Logger) *ExternalIDStore {
	s := &ExternalIDStore{
		path:        path,
		salt:        salt,
		pidMap:      make(map[string]string),
		identityMap: make(map[string]string),
		logger:      logger.With().Str("component", "extid").Logger(),
	}

	if path != "" {
		s.load()
	}

	return s
}

func (s *ExternalIDStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return // File doesn't exist, start fresh
	}

	var stored ExternalIDData
	if err := json.Unmarshal(data, &stored); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("could not load external ID file")
		return
	}

	if stored.PIDMap != nil {
		s.pidMap = stored.PIDMap
	}
	if stored.IdentityMap != nil {
		s.identityMap = stored.IdentityMap
	}

	s.logger.Info().Int("patients", len(s.pidMap)).Str("path", s.path).Msg("loaded external pseudonyms")
}

func (s *ExternalIDStore) save() error {
	if s.path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("could not create external ID directory: %w", err)
	}

	data, err := json.MarshalIndent(ExternalIDData{
		PIDMap:      s.pidMap,
		IdentityMap: s.identityMap,
		Updated:     time.Now().Format(time.RFC3339),
		Note:        "pid_map is keyed by issuer|PatientID, identity_map uses hash(Name+DOB)",
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal external IDs: %w", err)
	}

	// Replace atomically.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("could not save external IDs: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func pidKey(p Patient) string {
	return strings.TrimSpace(p.IssuerOfPatientID) + "|" + strings.TrimSpace(p.ID)
}

// Lookup implements ExternalIDProvider.
func (s *ExternalIDStore) Lookup(p Patient) (string, bool) {
	ps, method := s.Match(p)
	return ps, method != MatchNone
}

// Match returns the pseudonym for p and how it was found.
func (s *ExternalIDStore) Match(p Patient) (string, MatchMethod) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ps, ok := s.pidMap[pidKey(p)]; ok {
		return ps, MatchPID
	}
	if key, ok := p.IdentityKey(s.salt); ok {
		if ps, ok := s.identityMap[key]; ok {
			return ps, MatchIdentity
		}
	}
	return "", MatchNone
}

// Put records a pseudonym for p and persists the store.
func (s *ExternalIDStore) Put(p Patient, pseudonym string) error {
	pseudonym = strings.TrimSpace(pseudonym)
	if pseudonym == "" {
		return fmt.Errorf("pseudonym is empty")
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("patient ID is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pidMap[pidKey(p)] = pseudonym
	if key, ok := p.IdentityKey(s.salt); ok {
		s.identityMap[key] = pseudonym
	}
	return s.save()
}

// Len returns the number of PatientID entries.
func (s *ExternalIDStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pidMap)
}
