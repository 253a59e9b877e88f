// Package token implements the Token Service of spec.md §4.2: issuance,
// hashed storage, constant-time validation, and lifecycle management of
// bearer credentials. It is a thin layer over internal/store's token CRUD,
// adding the value-generation, hashing, and masking rules the Store itself
// stays agnostic of.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mcprouter/mcprouter/internal/mcperrors"
	"github.com/mcprouter/mcprouter/internal/store"
)

const (
	maxNameLen        = 100
	maxDescriptionLen = 500
	valueEntropyBytes = 48
)

// Service issues and validates bearer tokens against a Store.
type Service struct {
	store  *store.Store
	logger *zap.Logger
}

// New builds a Token Service backed by st.
func New(st *store.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, logger: logger}
}

// Info is the token view returned by List: everything but the hash, plus
// the derived IsExpired flag (spec.md §4.2).
type Info struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Masked      string     `json:"masked_value"`
	Enabled     bool       `json:"enabled"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	UsageCount  uint64     `json:"usage_count"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	IsExpired   bool       `json:"is_expired"`
}

// Create mints a new token, returning its plaintext value (shown exactly
// once) and the persisted record's Info view. expiresIn of zero means the
// token never expires.
func (s *Service) Create(name, description string, expiresIn time.Duration) (plaintext string, info Info, err error) {
	if name == "" {
		return "", Info{}, mcperrors.Wrap(mcperrors.ErrValidation, "name must not be empty")
	}
	if len(name) > maxNameLen {
		return "", Info{}, mcperrors.Wrap(mcperrors.ErrValidation, "name exceeds %d characters", maxNameLen)
	}
	if len(description) > maxDescriptionLen {
		return "", Info{}, mcperrors.Wrap(mcperrors.ErrValidation, "description exceeds %d characters", maxDescriptionLen)
	}

	value, err := newPlaintextValue()
	if err != nil {
		return "", Info{}, fmt.Errorf("generate token value: %w", err)
	}
	id, err := newTokenID()
	if err != nil {
		return "", Info{}, fmt.Errorf("generate token id: %w", err)
	}

	now := time.Now()
	rec := &store.TokenRecord{
		ID:          id,
		Name:        name,
		Description: description,
		ValueHash:   hashValue(value),
		DisplayMask: Mask(value),
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if expiresIn > 0 {
		expiresAt := now.Add(expiresIn)
		rec.ExpiresAt = &expiresAt
	}

	if err := s.store.CreateToken(rec); err != nil {
		return "", Info{}, err
	}

	s.logger.Info("token created", zap.String("token_id", id), zap.String("name", name))
	return value, toInfo(rec, now), nil
}

// List returns every token, masked and sorted by name (delegated to Store).
func (s *Service) List() ([]Info, error) {
	recs, err := s.store.ListTokens()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]Info, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toInfo(rec, now))
	}
	return out, nil
}

// Validate looks presented up by its hash in the Store's hash index,
// confirms the match with a constant-time compare, and returns the
// matching, currently-usable token's ID. A best-effort
// touch_usage is scheduled on success, matching spec.md §4.2's "schedules"
// language rather than blocking the caller on it.
func (s *Service) Validate(presented string) (tokenID string, ok bool) {
	if presented == "" {
		return "", false
	}
	presentedHash := hashValue(presented)

	rec, err := s.store.GetTokenByValueHash(presentedHash)
	if err != nil {
		// Still perform a constant-time compare against a decoy to keep the
		// miss path's timing close to the hit path.
		subtle.ConstantTimeCompare([]byte(presentedHash), []byte(presentedHash))
		return "", false
	}

	match := subtle.ConstantTimeCompare([]byte(presentedHash), []byte(rec.ValueHash)) == 1
	if !match || !rec.Enabled || rec.IsExpired(time.Now()) {
		return "", false
	}

	go func(id string) {
		if err := s.store.TouchUsage(id, time.Now()); err != nil {
			s.logger.Warn("touch_usage failed", zap.String("token_id", id), zap.Error(err))
		}
	}(rec.ID)

	return rec.ID, true
}

// Toggle flips a token's enabled flag.
func (s *Service) Toggle(id string) (bool, error) {
	return s.store.ToggleToken(id)
}

// Delete removes a token and cascades its permission bindings.
func (s *Service) Delete(id string) error {
	return s.store.DeleteToken(id)
}

// SweepExpired removes every token past its ExpiresAt, returning the count
// removed. Intended to be driven by a periodic background caller.
func (s *Service) SweepExpired() (int, error) {
	return s.store.SweepExpired(time.Now())
}

// Get returns a single token's Info view.
func (s *Service) Get(id string) (Info, error) {
	rec, err := s.store.GetTokenByID(id)
	if err != nil {
		return Info{}, err
	}
	return toInfo(rec, time.Now()), nil
}

func toInfo(rec *store.TokenRecord, now time.Time) Info {
	return Info{
		ID:          rec.ID,
		Name:        rec.Name,
		Description: rec.Description,
		Masked:      rec.DisplayMask,
		Enabled:     rec.Enabled,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		LastUsedAt:  rec.LastUsedAt,
		UsageCount:  rec.UsageCount,
		ExpiresAt:   rec.ExpiresAt,
		IsExpired:   rec.IsExpired(now),
	}
}

func newPlaintextValue() (string, error) {
	buf := make([]byte, valueEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "mcp-" + base64.RawURLEncoding.EncodeToString(buf), nil
}

func newTokenID() (string, error) {
	return "tok-" + uuid.NewString(), nil
}

func hashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Mask renders a plaintext token value in its display form,
// <prefix-6>…<suffix-3> (spec.md §6), never retaining enough of the value
// to reconstruct it.
func Mask(value string) string {
	if len(value) <= 9 {
		return value
	}
	return value[:6] + "…" + value[len(value)-3:]
}
