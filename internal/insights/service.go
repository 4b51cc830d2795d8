package insights

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"companion-voice/internal/calls"
	"companion-voice/internal/encryption"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("insights: not found")
	ErrDuplicate = errors.New("insights: session already has insights")
)

// Repository is the persistence contract for encrypted insight records and
// baselines. Insert must reject a second record for the same session.
type Repository interface {
	Insert(ctx context.Context, r Record) error
	GetBySession(ctx context.Context, sessionID string) (Record, error)
	ListByLine(ctx context.Context, lineID string, since time.Time) ([]Record, error)

	GetBaseline(ctx context.Context, lineID string) (Baseline, error)
	PutBaseline(ctx context.Context, b Baseline) error
}

// Service encrypts insight payloads, enforces at-most-once per session, and
// maintains rolling baselines.
type Service struct {
	repo     Repository
	enc      *encryption.Service
	sessions calls.Repository
	log      *slog.Logger
	clock    func() time.Time
}

func NewService(repo Repository, enc *encryption.Service, sessions calls.Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, enc: enc, sessions: sessions, log: log, clock: time.Now}
}

func (s *Service) aad(r Record) encryption.AAD {
	return encryption.AAD{
		AccountID: r.AccountID,
		LineID:    r.LineID,
		RecordID:  r.ID,
		Kind:      "call_insights",
	}
}

// Log stores one call's insights. Concern novelty is computed against the
// line's baseline only when the baseline is available; privateTopics are
// removed from the persisted record before encryption.
func (s *Service) Log(ctx context.Context, in Insights, privateTopics []string) (Insights, error) {
	if in.SessionID == "" || in.AccountID == "" || in.LineID == "" {
		return Insights{}, errors.New("insights: session, account and line are required")
	}
	if _, err := s.repo.GetBySession(ctx, in.SessionID); err == nil {
		return Insights{}, ErrDuplicate
	} else if !errors.Is(err, ErrNotFound) {
		return Insights{}, err
	}

	if len(privateTopics) > 0 {
		in.Topics = dropTopics(in.Topics, privateTopics)
	}

	baseline, err := s.repo.GetBaseline(ctx, in.LineID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Insights{}, err
	}
	for i := range in.Concerns {
		in.Concerns[i].Novel = baseline.Available() && !baseline.HasConcern(in.Concerns[i].Code)
	}

	in.ID = uuid.NewString()
	in.CreatedAt = s.clock().UTC()

	payload, err := json.Marshal(in)
	if err != nil {
		return Insights{}, err
	}
	r := Record{
		ID:        in.ID,
		SessionID: in.SessionID,
		AccountID: in.AccountID,
		LineID:    in.LineID,
		CreatedAt: in.CreatedAt,
	}
	env, err := s.enc.EncryptRecord(ctx, s.aad(r), payload)
	if err != nil {
		return Insights{}, err
	}
	r.Ciphertext, r.Nonce, r.Tag = env.Ciphertext, env.Nonce, env.Tag

	if err := s.repo.Insert(ctx, r); err != nil {
		return Insights{}, err
	}
	return in, nil
}

// HasForSession reports whether insights were already logged for a session.
func (s *Service) HasForSession(ctx context.Context, sessionID string) (bool, error) {
	_, err := s.repo.GetBySession(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func dropTopics(topics []WeightedTopic, exclude []string) []WeightedTopic {
	drop := make(map[string]bool, len(exclude))
	for _, t := range exclude {
		drop[t] = true
	}
	out := topics[:0]
	for _, t := range topics {
		if !drop[t.Topic] {
			out = append(out, t)
		}
	}
	return out
}

// baselineWindow is the trailing window baselines aggregate over.
const baselineWindow = 28 * 24 * time.Hour

// RecomputeBaseline rebuilds a line's rolling aggregate from its recent
// completed calls and decrypted insight records. Records that fail to
// decrypt are skipped.
func (s *Service) RecomputeBaseline(ctx context.Context, lineID string) (Baseline, error) {
	since := s.clock().UTC().Add(-baselineWindow)

	sessions, err := s.sessions.ListCompletedSince(ctx, lineID, since)
	if err != nil {
		return Baseline{}, err
	}
	records, err := s.repo.ListByLine(ctx, lineID, since)
	if err != nil {
		return Baseline{}, err
	}

	b := Baseline{
		LineID:           lineID,
		MoodDistribution: map[string]float64{"low": 0, "neutral": 0, "high": 0},
		UpdatedAt:        s.clock().UTC(),
	}

	var totalDuration, answered int
	for _, c := range sessions {
		totalDuration += c.SecondsConnected
		if c.SecondsConnected > 0 {
			answered++
		}
	}
	if n := len(sessions); n > 0 {
		b.AvgDurationSeconds = totalDuration / n
		b.AnswerRate = float64(answered) / float64(n)
		b.CallsPerWeek = float64(n) / (baselineWindow.Hours() / (7 * 24))
	}

	var engagementSum float64
	concernSeen := make(map[string]bool)
	for _, r := range records {
		in, err := s.decrypt(ctx, r)
		if err != nil {
			s.log.Warn("insight decrypt failed during baseline recompute", "record_id", r.ID, "err", err)
			continue
		}
		b.SampleSize++
		engagementSum += in.Engagement
		b.MoodDistribution[moodBucket(in.Mood)]++
		for _, c := range in.Concerns {
			concernSeen[c.Code] = true
		}
	}
	if b.SampleSize > 0 {
		b.AvgEngagement = engagementSum / float64(b.SampleSize)
		for k := range b.MoodDistribution {
			b.MoodDistribution[k] /= float64(b.SampleSize)
		}
	}
	for code := range concernSeen {
		b.RecentConcernCodes = append(b.RecentConcernCodes, code)
	}
	sort.Strings(b.RecentConcernCodes)

	if err := s.repo.PutBaseline(ctx, b); err != nil {
		return Baseline{}, err
	}
	return b, nil
}

func (s *Service) decrypt(ctx context.Context, r Record) (Insights, error) {
	plain, err := s.enc.DecryptRecord(ctx, s.aad(r), encryption.Envelope{
		Ciphertext: r.Ciphertext, Nonce: r.Nonce, Tag: r.Tag,
	})
	if err != nil {
		return Insights{}, err
	}
	var in Insights
	if err := json.Unmarshal(plain, &in); err != nil {
		return Insights{}, err
	}
	return in, nil
}

func moodBucket(score float64) string {
	switch {
	case score < 0.34:
		return "low"
	case score < 0.67:
		return "neutral"
	default:
		return "high"
	}
}

// MemoryRepo is an in-memory insights repository for tests.
type MemoryRepo struct {
	mu        sync.Mutex
	records   map[string]Record // by session id
	baselines map[string]Baseline
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{records: make(map[string]Record), baselines: make(map[string]Baseline)}
}

func (m *MemoryRepo) Insert(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.SessionID]; ok {
		return ErrDuplicate
	}
	m.records[r.SessionID] = r
	return nil
}

func (m *MemoryRepo) GetBySession(_ context.Context, sessionID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryRepo) ListByLine(_ context.Context, lineID string, since time.Time) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.LineID == lineID && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryRepo) GetBaseline(_ context.Context, lineID string) (Baseline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.baselines[lineID]
	if !ok {
		return Baseline{}, ErrNotFound
	}
	return b, nil
}

func (m *MemoryRepo) PutBaseline(_ context.Context, b Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[b.LineID] = b
	return nil
}
