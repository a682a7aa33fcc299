// Package store persists account records and the append-only agent
// action log in the shared key-value backend.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-autopilot/internal/kv"
	"github.com/yourorg/yield-autopilot/internal/model"
)

// Account is one managed wallet's standing record.
type Account struct {
	Address         common.Address `json:"address"`
	AutoOptimize    bool           `json:"autoOptimize"`
	AgentRegistered bool           `json:"agentRegistered"`

	// Encrypted credential blobs, independent scopes. Both are opaque
	// here; the session package owns their contents.
	SessionCredential      string `json:"sessionCredential,omitempty"`
	TransferOnlyCredential string `json:"transferOnlyCredential,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

var ErrAccountNotFound = errors.New("account not found")

const (
	accountIndexKey = "accounts:index"
	// actionLogLimit bounds how much history a single read returns.
	actionLogLimit = 100
)

// Store reads and writes account state.
type Store struct {
	kv      kv.Store
	nowFunc func() time.Time
}

// New creates a store over the shared backend.
func New(backend kv.Store) *Store {
	return &Store{kv: backend, nowFunc: time.Now}
}

// WithClock overrides the time source for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.nowFunc = now
	return s
}

func accountKey(address common.Address) string {
	return "account:" + address.Hex()
}

func actionLogKey(address common.Address) string {
	return "agent_actions:" + address.Hex()
}

// GetAccount loads one account record.
func (s *Store) GetAccount(ctx context.Context, address common.Address) (*Account, error) {
	raw, err := s.kv.Get(ctx, accountKey(address))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading account %s: %w", address.Hex(), err)
	}
	var account Account
	if err := json.Unmarshal([]byte(raw), &account); err != nil {
		return nil, fmt.Errorf("corrupt account record %s: %w", address.Hex(), err)
	}
	return &account, nil
}

// SaveAccount upserts an account record and indexes it for enumeration.
// CreatedAt is preserved on updates.
func (s *Store) SaveAccount(ctx context.Context, account *Account) error {
	now := s.nowFunc()
	if existing, err := s.GetAccount(ctx, account.Address); err == nil {
		account.CreatedAt = existing.CreatedAt
	} else if errors.Is(err, ErrAccountNotFound) {
		account.CreatedAt = now
	} else {
		return err
	}
	account.UpdatedAt = now

	data, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("encoding account record: %w", err)
	}
	if err := s.kv.Set(ctx, accountKey(account.Address), string(data), 0); err != nil {
		return fmt.Errorf("persisting account %s: %w", account.Address.Hex(), err)
	}
	if err := s.kv.SAdd(ctx, accountIndexKey, account.Address.Hex()); err != nil {
		return fmt.Errorf("indexing account %s: %w", account.Address.Hex(), err)
	}
	return nil
}

// Credential slot names, matching the session package's kind values.
const (
	kindSession      = "session"
	kindTransferOnly = "transfer-only"
)

// SaveCredential stores an encrypted credential blob in the account
// record slot for the given kind, creating the record if needed.
func (s *Store) SaveCredential(ctx context.Context, address common.Address, kind, blob string) error {
	account, err := s.GetAccount(ctx, address)
	if errors.Is(err, ErrAccountNotFound) {
		account = &Account{Address: address}
	} else if err != nil {
		return err
	}
	switch kind {
	case kindSession:
		account.SessionCredential = blob
	case kindTransferOnly:
		account.TransferOnlyCredential = blob
	default:
		return fmt.Errorf("unknown credential kind %q", kind)
	}
	return s.SaveAccount(ctx, account)
}

// LoadCredential returns the stored blob for the kind, or the empty
// string when the account or the slot is absent.
func (s *Store) LoadCredential(ctx context.Context, address common.Address, kind string) (string, error) {
	account, err := s.GetAccount(ctx, address)
	if errors.Is(err, ErrAccountNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	switch kind {
	case kindSession:
		return account.SessionCredential, nil
	case kindTransferOnly:
		return account.TransferOnlyCredential, nil
	}
	return "", fmt.Errorf("unknown credential kind %q", kind)
}

// AutoOptimizeAccounts lists accounts that opted into scheduled
// rebalancing and still hold a registered agent.
func (s *Store) AutoOptimizeAccounts(ctx context.Context) ([]common.Address, error) {
	members, err := s.kv.SMembers(ctx, accountIndexKey)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}

	accounts := make([]common.Address, 0, len(members))
	for _, member := range members {
		address := common.HexToAddress(member)
		account, err := s.GetAccount(ctx, address)
		if err != nil {
			logrus.Warnf("Skipping unreadable account %s: %v", member, err)
			continue
		}
		if account.AutoOptimize && account.AgentRegistered {
			accounts = append(accounts, address)
		}
	}
	return accounts, nil
}

// LogAction appends one entry to the account's audit log. The log is
// append-only; entries are never rewritten.
func (s *Store) LogAction(ctx context.Context, action model.AgentAction) error {
	if action.CreatedAt.IsZero() {
		action.CreatedAt = s.nowFunc()
	}
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encoding agent action: %w", err)
	}
	if err := s.kv.LPush(ctx, actionLogKey(action.Account), string(data)); err != nil {
		return fmt.Errorf("appending agent action: %w", err)
	}
	return nil
}

// RecentActions returns the newest audit entries for an account, most
// recent first.
func (s *Store) RecentActions(ctx context.Context, address common.Address) ([]model.AgentAction, error) {
	raw, err := s.kv.LRange(ctx, actionLogKey(address), 0, actionLogLimit-1)
	if err != nil {
		return nil, fmt.Errorf("reading agent actions: %w", err)
	}
	actions := make([]model.AgentAction, 0, len(raw))
	for _, entry := range raw {
		var action model.AgentAction
		if err := json.Unmarshal([]byte(entry), &action); err != nil {
			logrus.Warnf("Skipping corrupt agent action entry: %v", err)
			continue
		}
		actions = append(actions, action)
	}
	return actions, nil
}
