package lines

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("lines: not found")

// Repository is the persistence contract for lines and accounts.
//
// Accounts are read-only here; line mutations are limited to the fields
// voice tools may change.
type Repository interface {
	GetLine(ctx context.Context, id string) (Line, error)
	GetLineByPhone(ctx context.Context, phone string) (Line, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	ListTrustedContacts(ctx context.Context, accountID string) ([]TrustedContact, error)

	SetDoNotCall(ctx context.Context, lineID string, optOut bool) error
	TouchLastCall(ctx context.Context, lineID string, at time.Time) error
}

// MemoryRepo is an in-memory repository for tests and early development.
type MemoryRepo struct {
	mu       sync.Mutex
	lines    map[string]Line
	accounts map[string]Account
	contacts map[string][]TrustedContact
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		lines:    make(map[string]Line),
		accounts: make(map[string]Account),
		contacts: make(map[string][]TrustedContact),
	}
}

func (m *MemoryRepo) PutLine(l Line) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines[l.ID] = l
}

func (m *MemoryRepo) PutAccount(a Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = a
}

func (m *MemoryRepo) PutTrustedContact(c TrustedContact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[c.AccountID] = append(m.contacts[c.AccountID], c)
}

func (m *MemoryRepo) GetLine(_ context.Context, id string) (Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lines[id]
	if !ok {
		return Line{}, ErrNotFound
	}
	return l, nil
}

func (m *MemoryRepo) GetLineByPhone(_ context.Context, phone string) (Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.lines {
		if l.PhoneNumber == phone {
			return l, nil
		}
	}
	return Line{}, ErrNotFound
}

func (m *MemoryRepo) GetAccount(_ context.Context, id string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryRepo) ListTrustedContacts(_ context.Context, accountID string) ([]TrustedContact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TrustedContact, len(m.contacts[accountID]))
	copy(out, m.contacts[accountID])
	return out, nil
}

func (m *MemoryRepo) SetDoNotCall(_ context.Context, lineID string, optOut bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lines[lineID]
	if !ok {
		return ErrNotFound
	}
	l.DoNotCall = optOut
	l.UpdatedAt = time.Now().UTC()
	m.lines[lineID] = l
	return nil
}

func (m *MemoryRepo) TouchLastCall(_ context.Context, lineID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lines[lineID]
	if !ok {
		return ErrNotFound
	}
	l.LastCallAt = &at
	m.lines[lineID] = l
	return nil
}
