package memories

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"companion-voice/internal/encryption"

	"github.com/google/uuid"
)

// Memory is a decrypted view of one stored memory record. At rest the value
// is always ciphertext; this struct never touches storage.
type Memory struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	LineID     string    `json:"line_id"`
	Kind       Kind      `json:"kind"`
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
	Private    bool      `json:"private"`
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
}

type Kind string

const (
	KindFact       Kind = "fact"
	KindPreference Kind = "preference"
	KindFollowUp   Kind = "follow_up"
)

func ValidKind(k Kind) bool {
	switch k {
	case KindFact, KindPreference, KindFollowUp:
		return true
	default:
		return false
	}
}

// Record is the at-rest shape: value ciphertext plus the envelope parts.
type Record struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`
	LineID    string `json:"line_id" db:"line_id"`

	Kind Kind   `json:"kind" db:"kind"`
	Key  string `json:"key" db:"key"`

	Ciphertext []byte `json:"-" db:"ciphertext"`
	Nonce      []byte `json:"-" db:"nonce"`
	Tag        []byte `json:"-" db:"tag"`

	Confidence float64 `json:"confidence" db:"confidence"`
	Source     string  `json:"source" db:"source"`
	Private    bool    `json:"private" db:"private"`

	// Version/Active implement append-only history: an update writes a new
	// active row and deactivates the predecessor.
	Version int  `json:"version" db:"version"`
	Active  bool `json:"active" db:"active"`

	// Supersedes carries the previous version's id, empty for version 1.
	Supersedes string `json:"supersedes,omitempty" db:"supersedes"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

var (
	ErrNotFound    = errors.New("memories: not found")
	ErrInvalidKind = errors.New("memories: invalid kind")
)

// Repository is the persistence contract for encrypted memory records.
type Repository interface {
	Insert(ctx context.Context, r Record) error
	Get(ctx context.Context, id string) (Record, error)
	// Deactivate flips active off without touching the row otherwise.
	Deactivate(ctx context.Context, id string) error
	SetPrivate(ctx context.Context, id string, private bool) error
	// ListActive returns a line's active records, newest first, at most limit.
	ListActive(ctx context.Context, lineID string, limit int) ([]Record, error)
}

// Service encrypts on write and decrypts on read. A record that fails to
// decrypt is skipped and logged, never fatal: one corrupt memory must not
// hide the rest of a caller's memories.
type Service struct {
	repo  Repository
	enc   *encryption.Service
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, enc *encryption.Service, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, enc: enc, log: log, clock: time.Now}
}

type StoreParams struct {
	AccountID  string
	LineID     string
	Kind       Kind
	Key        string
	Value      string
	Confidence float64
	Source     string
	Private    bool
}

func (s *Service) aad(r Record) encryption.AAD {
	return encryption.AAD{
		AccountID: r.AccountID,
		LineID:    r.LineID,
		RecordID:  r.ID,
		Kind:      string(r.Kind) + ":" + r.Key,
	}
}

func (s *Service) Store(ctx context.Context, p StoreParams) (Memory, error) {
	if !ValidKind(p.Kind) {
		return Memory{}, ErrInvalidKind
	}
	if p.AccountID == "" || p.LineID == "" || strings.TrimSpace(p.Value) == "" {
		return Memory{}, errors.New("memories: account, line and value are required")
	}
	r := Record{
		ID:         uuid.NewString(),
		AccountID:  p.AccountID,
		LineID:     p.LineID,
		Kind:       p.Kind,
		Key:        p.Key,
		Confidence: p.Confidence,
		Source:     p.Source,
		Private:    p.Private,
		Version:    1,
		Active:     true,
		CreatedAt:  s.clock().UTC(),
	}
	env, err := s.enc.EncryptRecord(ctx, s.aad(r), []byte(p.Value))
	if err != nil {
		return Memory{}, err
	}
	r.Ciphertext, r.Nonce, r.Tag = env.Ciphertext, env.Nonce, env.Tag
	if err := s.repo.Insert(ctx, r); err != nil {
		return Memory{}, err
	}
	return s.decrypt(ctx, r)
}

// Update writes a new version of an existing memory and deactivates the old
// one. History is append-only; nothing is overwritten.
func (s *Service) Update(ctx context.Context, id, newValue string, private bool) (Memory, error) {
	old, err := s.repo.Get(ctx, id)
	if err != nil {
		return Memory{}, err
	}
	next := old
	next.ID = uuid.NewString()
	next.Version = old.Version + 1
	next.Supersedes = old.ID
	next.Private = private
	next.Active = true
	next.CreatedAt = s.clock().UTC()

	env, err := s.enc.EncryptRecord(ctx, s.aad(next), []byte(newValue))
	if err != nil {
		return Memory{}, err
	}
	next.Ciphertext, next.Nonce, next.Tag = env.Ciphertext, env.Nonce, env.Tag

	if err := s.repo.Insert(ctx, next); err != nil {
		return Memory{}, err
	}
	if err := s.repo.Deactivate(ctx, old.ID); err != nil {
		return Memory{}, err
	}
	return s.decrypt(ctx, next)
}

// Forget deactivates a memory. The ciphertext stays for history but no
// longer surfaces anywhere.
func (s *Service) Forget(ctx context.Context, id string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	return s.repo.Deactivate(ctx, id)
}

func (s *Service) MarkPrivate(ctx context.Context, id string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	return s.repo.SetPrivate(ctx, id, true)
}

// ListActive decrypts a line's active memories, skipping records that fail
// to decrypt.
func (s *Service) ListActive(ctx context.Context, lineID string, limit int) ([]Memory, error) {
	records, err := s.repo.ListActive(ctx, lineID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Memory, 0, len(records))
	for _, r := range records {
		m, err := s.decrypt(ctx, r)
		if err != nil {
			s.log.Warn("memory decrypt failed, skipping record", "memory_id", r.ID, "err", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// matchLookback bounds how many recent memories fuzzy matching scans.
const matchLookback = 20

// FindMatch locates a memory by case-insensitive substring over the most
// recent records' keys and values. Deliberately heuristic: the query comes
// from free speech, so exact matching would make forget/mark-private nearly
// unusable.
func (s *Service) FindMatch(ctx context.Context, lineID, query string) (Memory, bool, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return Memory{}, false, nil
	}
	mems, err := s.ListActive(ctx, lineID, matchLookback)
	if err != nil {
		return Memory{}, false, err
	}
	for _, m := range mems {
		if strings.Contains(strings.ToLower(m.Value), query) || strings.Contains(strings.ToLower(m.Key), query) {
			return m, true, nil
		}
	}
	return Memory{}, false, nil
}

func (s *Service) decrypt(ctx context.Context, r Record) (Memory, error) {
	plain, err := s.enc.DecryptRecord(ctx, s.aad(r), encryption.Envelope{
		Ciphertext: r.Ciphertext, Nonce: r.Nonce, Tag: r.Tag,
	})
	if err != nil {
		return Memory{}, err
	}
	return Memory{
		ID:         r.ID,
		AccountID:  r.AccountID,
		LineID:     r.LineID,
		Kind:       r.Kind,
		Key:        r.Key,
		Value:      string(plain),
		Confidence: r.Confidence,
		Source:     r.Source,
		Private:    r.Private,
		Version:    r.Version,
		CreatedAt:  r.CreatedAt,
	}, nil
}
