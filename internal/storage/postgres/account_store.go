package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/harvest-orchestrator/internal/harvest"
)

const accountColumns = `id, owner_user_id, handle, enabled, preferred, proxy_url, created_at`

// AccountStore persists harvesting accounts.
type AccountStore struct {
	db DB
}

// NewAccountStore constructs an AccountStore.
func NewAccountStore(db DB) *AccountStore {
	return &AccountStore{db: db}
}

// CreateAccount inserts a new account.
func (s *AccountStore) CreateAccount(ctx context.Context, a harvest.Account) error {
	_, err := s.db.Exec(ctx, `INSERT INTO accounts (`+accountColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.OwnerUserID, a.Handle, a.Enabled, a.Preferred, a.ProxyURL, a.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetAccount fetches an account by ID.
func (s *AccountStore) GetAccount(ctx context.Context, accountID string) (harvest.Account, error) {
	a, err := scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
	if err != nil {
		return harvest.Account{}, notFound(err, "account "+accountID)
	}
	return a, nil
}

// ListAccounts returns an owner's accounts, or all accounts for an empty
// owner, oldest first.
func (s *AccountStore) ListAccounts(ctx context.Context, ownerUserID string) ([]harvest.Account, error) {
	rows, err := s.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts
		WHERE $1 = '' OR owner_user_id = $1 ORDER BY created_at, id`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []harvest.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetPreferred marks accountID as the owner's only preferred account.
func (s *AccountStore) SetPreferred(ctx context.Context, ownerUserID, accountID string) error {
	tag, err := s.db.Exec(ctx, `UPDATE accounts SET preferred = (id = $2)
		WHERE owner_user_id = $1
			AND EXISTS (SELECT 1 FROM accounts WHERE id = $2 AND owner_user_id = $1)`,
		ownerUserID, accountID)
	if err != nil {
		return fmt.Errorf("set preferred account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", accountID, harvest.ErrNotFound)
	}
	return nil
}

func scanAccount(row pgx.Row) (harvest.Account, error) {
	var a harvest.Account
	err := row.Scan(&a.ID, &a.OwnerUserID, &a.Handle, &a.Enabled, &a.Preferred, &a.ProxyURL, &a.CreatedAt)
	return a, err
}
