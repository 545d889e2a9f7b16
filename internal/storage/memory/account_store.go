package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

// AccountStore keeps harvesting accounts in memory.
type AccountStore struct {
	mu       sync.RWMutex
	accounts map[string]harvest.Account
}

// NewAccountStore constructs an AccountStore.
func NewAccountStore() *AccountStore {
	return &AccountStore{accounts: make(map[string]harvest.Account)}
}

// CreateAccount stores a new account.
func (s *AccountStore) CreateAccount(_ context.Context, account harvest.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account.ID]; exists {
		return errors.New("account already exists")
	}
	s.accounts[account.ID] = account
	return nil
}

// GetAccount fetches an account by ID.
func (s *AccountStore) GetAccount(_ context.Context, accountID string) (harvest.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return harvest.Account{}, fmt.Errorf("account %s: %w", accountID, harvest.ErrNotFound)
	}
	return account, nil
}

// ListAccounts returns an owner's accounts, or all accounts for an empty owner,
// oldest first.
func (s *AccountStore) ListAccounts(_ context.Context, ownerUserID string) ([]harvest.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.Account
	for _, account := range s.accounts {
		if ownerUserID == "" || account.OwnerUserID == ownerUserID {
			out = append(out, account)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SetPreferred marks accountID as the owner's only preferred account.
func (s *AccountStore) SetPreferred(_ context.Context, ownerUserID, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.accounts[accountID]
	if !ok || target.OwnerUserID != ownerUserID {
		return fmt.Errorf("account %s: %w", accountID, harvest.ErrNotFound)
	}
	for id, account := range s.accounts {
		if account.OwnerUserID != ownerUserID {
			continue
		}
		account.Preferred = id == accountID
		s.accounts[id] = account
	}
	return nil
}
