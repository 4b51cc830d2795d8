package memories

import (
	"bytes"
	"context"
	"testing"

	"companion-voice/internal/encryption"
)

func testService(t *testing.T) (*Service, *MemoryRepo) {
	t.Helper()
	enc, err := encryption.NewService(bytes.Repeat([]byte{7}, 32), encryption.NewMemoryKeyStore())
	if err != nil {
		t.Fatalf("encryption: %v", err)
	}
	repo := NewMemoryRepo()
	return NewService(repo, enc, nil), repo
}

func store(t *testing.T, s *Service, key, value string) Memory {
	t.Helper()
	m, err := s.Store(context.Background(), StoreParams{
		AccountID: "a1", LineID: "l1", Kind: KindFact, Key: key, Value: value, Source: "call",
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return m
}

func TestStore_NeverPersistsPlaintext(t *testing.T) {
	s, repo := testService(t)
	m := store(t, s, "grandchild", "Her grandson Theo visits on Sundays")

	r, err := repo.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if bytes.Contains(r.Ciphertext, []byte("Theo")) {
		t.Fatalf("plaintext leaked into stored record")
	}
	if len(r.Nonce) == 0 || len(r.Tag) == 0 {
		t.Fatalf("expected nonce and tag on the record")
	}
}

func TestUpdate_CreatesNewVersionAndDeactivatesOld(t *testing.T) {
	s, repo := testService(t)
	ctx := context.Background()
	m := store(t, s, "tea", "likes green tea")

	updated, err := s.Update(ctx, m.ID, "prefers chamomile now", false)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 || updated.ID == m.ID {
		t.Fatalf("expected new row at version 2, got %+v", updated)
	}

	old, _ := repo.Get(ctx, m.ID)
	if old.Active {
		t.Fatalf("old version should be deactivated")
	}

	mems, err := s.ListActive(ctx, "l1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mems) != 1 || mems[0].Value != "prefers chamomile now" {
		t.Fatalf("expected only the new version active, got %+v", mems)
	}
}

func TestListActive_SkipsUndecryptableRecords(t *testing.T) {
	s, repo := testService(t)
	ctx := context.Background()
	good := store(t, s, "walk", "walks every morning")
	bad := store(t, s, "cards", "plays bridge on Tuesdays")
	repo.Corrupt(bad.ID)

	mems, err := s.ListActive(ctx, "l1", 0)
	if err != nil {
		t.Fatalf("list must not fail on one bad record: %v", err)
	}
	if len(mems) != 1 || mems[0].ID != good.ID {
		t.Fatalf("expected only the intact record, got %+v", mems)
	}
}

func TestFindMatch_FuzzySubstring(t *testing.T) {
	s, _ := testService(t)
	ctx := context.Background()
	store(t, s, "garden", "Tends a small rose garden out back")
	store(t, s, "medication", "Takes blood pressure pills at 8am")

	m, ok, err := s.FindMatch(ctx, "l1", "ROSE")
	if err != nil || !ok {
		t.Fatalf("expected match, ok=%v err=%v", ok, err)
	}
	if m.Key != "garden" {
		t.Fatalf("matched wrong memory: %+v", m)
	}

	// key matches too
	if _, ok, _ := s.FindMatch(ctx, "l1", "medic"); !ok {
		t.Fatalf("expected key substring match")
	}

	if _, ok, _ := s.FindMatch(ctx, "l1", "sailboat"); ok {
		t.Fatalf("expected no match")
	}
	if _, ok, _ := s.FindMatch(ctx, "l1", "  "); ok {
		t.Fatalf("blank query must not match")
	}
}

func TestForgetAndMarkPrivate(t *testing.T) {
	s, repo := testService(t)
	ctx := context.Background()
	m := store(t, s, "tea", "likes green tea")

	if err := s.MarkPrivate(ctx, m.ID); err != nil {
		t.Fatalf("mark private: %v", err)
	}
	r, _ := repo.Get(ctx, m.ID)
	if !r.Private {
		t.Fatalf("expected private flag set")
	}

	if err := s.Forget(ctx, m.ID); err != nil {
		t.Fatalf("forget: %v", err)
	}
	mems, _ := s.ListActive(ctx, "l1", 0)
	if len(mems) != 0 {
		t.Fatalf("forgotten memory still listed")
	}

	if err := s.Forget(ctx, "missing"); err == nil {
		t.Fatalf("expected not-found forgetting unknown id")
	}
}

func TestStore_RejectsBadInput(t *testing.T) {
	s, _ := testService(t)
	if _, err := s.Store(context.Background(), StoreParams{
		AccountID: "a1", LineID: "l1", Kind: Kind("gossip"), Value: "x",
	}); err != ErrInvalidKind {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
	if _, err := s.Store(context.Background(), StoreParams{
		AccountID: "a1", LineID: "l1", Kind: KindFact, Value: "  ",
	}); err == nil {
		t.Fatalf("expected error for empty value")
	}
}
