// Package session issues, validates and revokes the scoped signing
// credentials the coordinator acts under. A credential is a fresh
// keypair bound to a policy allow-list; the private material is only
// ever persisted encrypted.
package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-autopilot/internal/kv"
	"github.com/yourorg/yield-autopilot/internal/security"
)

// Kind discriminates the credential union. Every consumer must handle
// all kinds explicitly.
type Kind string

const (
	// KindSession is the full rebalancing credential.
	KindSession Kind = "session"
	// KindTransferOnly is a narrower credential that may only move
	// funds back to the owner. Its scope is independent of KindSession.
	KindTransferOnly Kind = "transfer-only"
)

// Credential is a delegated signing authority for one account.
type Credential struct {
	Kind           Kind           `json:"type"`
	Account        common.Address `json:"account"`
	SessionAddress common.Address `json:"sessionAddress"`

	// PrivateKeyHex is encrypted at rest and cleared on revocation.
	PrivateKeyHex string `json:"privateKeyHex"`

	Policy    Policy    `json:"policy"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Revoked   bool      `json:"revoked"`
}

// DelegationProof is the externally produced, time-boxed authorization
// showing the account owner approved the delegation. The core only
// inspects its target contract and expiry; the payload is opaque.
type DelegationProof struct {
	Target    common.Address `json:"target"`
	ExpiresAt time.Time      `json:"expiresAt"`
	Payload   []byte         `json:"payload"`
}

// IssueResult is what callers get back from Issue: the public halves
// of both credentials plus their shared lifetime. Private material
// never leaves the manager unencrypted.
type IssueResult struct {
	SessionAddress  common.Address `json:"sessionAddress"`
	TransferAddress common.Address `json:"transferAddress"`
	ExpiresAt       time.Time      `json:"expiresAt"`
}

var (
	ErrNoCredential = errors.New("no session credential registered")
	ErrBadProof     = errors.New("delegation proof rejected")
)

// Config carries the policy template parameters.
type Config struct {
	MaxDepositPerCall *big.Int
	GasCeiling        uint64
	DailyCallLimit    int
	Validity          time.Duration
	AuthorityContract common.Address
	RevocationTTL     time.Duration
}

// Records persists encrypted credential blobs on the owning account
// record, one slot per kind. The account store implements it; the
// blobs stay opaque to it.
type Records interface {
	SaveCredential(ctx context.Context, account common.Address, kind, blob string) error
	LoadCredential(ctx context.Context, account common.Address, kind string) (string, error)
}

// Manager issues and validates credentials. Credential blobs live on
// the account record; proof and revocation markers live in the shared
// store under TTL keys.
type Manager struct {
	store   kv.Store
	records Records
	enc     *security.Encryptor
	cfg     Config
	nowFunc func() time.Time
}

// NewManager creates a credential manager.
func NewManager(store kv.Store, records Records, enc *security.Encryptor, cfg Config) *Manager {
	return &Manager{store: store, records: records, enc: enc, cfg: cfg, nowFunc: time.Now}
}

// WithClock overrides the time source for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.nowFunc = now
	return m
}

func revocationKey(sessionAddress common.Address) string {
	return "session:revoked:" + sessionAddress.Hex()
}

func proofKey(payload []byte) string {
	return "session:proof:" + hex.EncodeToString(crypto.Keccak256(payload))
}

// Issue generates fresh keypairs for the account and persists two
// credentials with their signing keys encrypted: the full rebalancing
// credential under the fixed policy template, and a transfer-only
// credential whose scope is limited to moving funds back to the owner.
func (m *Manager) Issue(ctx context.Context, account common.Address, approvedVaults []common.Address, proof DelegationProof) (IssueResult, error) {
	now := m.nowFunc()

	if err := m.verifyProof(proof, now); err != nil {
		return IssueResult{}, err
	}
	if len(approvedVaults) == 0 {
		return IssueResult{}, fmt.Errorf("at least one approved vault is required")
	}

	// Each delegation proof authorizes exactly one issuance. The marker
	// lives as long as the proof itself; after that the proof is expired
	// anyway.
	fresh, err := m.store.SetNX(ctx, proofKey(proof.Payload), "1", proof.ExpiresAt.Sub(now))
	if err != nil {
		return IssueResult{}, fmt.Errorf("recording delegation proof: %w", err)
	}
	if !fresh {
		return IssueResult{}, fmt.Errorf("%w: proof already used", ErrBadProof)
	}

	cred, err := m.mint(account, KindSession,
		buildPolicy(approvedVaults, m.cfg.MaxDepositPerCall, m.cfg.GasCeiling, m.cfg.DailyCallLimit, m.cfg.Validity, now), now)
	if err != nil {
		return IssueResult{}, err
	}
	transfer, err := m.mint(account, KindTransferOnly,
		buildTransferPolicy(approvedVaults, m.cfg.GasCeiling, m.cfg.DailyCallLimit, m.cfg.Validity, now), now)
	if err != nil {
		return IssueResult{}, err
	}
	if err := m.persist(ctx, cred); err != nil {
		return IssueResult{}, err
	}
	if err := m.persist(ctx, transfer); err != nil {
		return IssueResult{}, err
	}

	logrus.WithFields(logrus.Fields{
		"account":  account.Hex(),
		"session":  cred.SessionAddress.Hex(),
		"transfer": transfer.SessionAddress.Hex(),
		"expires":  cred.ExpiresAt,
		"vaults":   len(approvedVaults),
	}).Info("Issued session credentials")

	return IssueResult{
		SessionAddress:  cred.SessionAddress,
		TransferAddress: transfer.SessionAddress,
		ExpiresAt:       cred.ExpiresAt,
	}, nil
}

// mint generates a fresh keypair and wraps it in a credential with the
// private half encrypted.
func (m *Manager) mint(account common.Address, kind Kind, policy Policy, now time.Time) (Credential, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return Credential{}, fmt.Errorf("generating %s keypair: %w", kind, err)
	}
	encrypted, err := m.enc.Encrypt(hex.EncodeToString(crypto.FromECDSA(key)))
	if err != nil {
		return Credential{}, fmt.Errorf("encrypting %s key: %w", kind, err)
	}
	return Credential{
		Kind:           kind,
		Account:        account,
		SessionAddress: crypto.PubkeyToAddress(key.PublicKey),
		PrivateKeyHex:  encrypted,
		Policy:         policy,
		IssuedAt:       now,
		ExpiresAt:      now.Add(m.cfg.Validity),
	}, nil
}

// verifyProof accepts only proofs aimed at the expected authority
// contract and still within their validity window.
func (m *Manager) verifyProof(proof DelegationProof, now time.Time) error {
	if proof.Target != m.cfg.AuthorityContract {
		return fmt.Errorf("%w: target %s, expected %s", ErrBadProof, proof.Target.Hex(), m.cfg.AuthorityContract.Hex())
	}
	if !proof.ExpiresAt.After(now) {
		return fmt.Errorf("%w: proof expired at %s", ErrBadProof, proof.ExpiresAt)
	}
	if len(proof.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrBadProof)
	}
	return nil
}

// Load returns the stored rebalancing credential for an account.
func (m *Manager) Load(ctx context.Context, account common.Address) (*Credential, error) {
	return m.loadKind(ctx, account, KindSession)
}

// LoadTransferOnly returns the stored transfer-only credential for an
// account.
func (m *Manager) LoadTransferOnly(ctx context.Context, account common.Address) (*Credential, error) {
	return m.loadKind(ctx, account, KindTransferOnly)
}

func (m *Manager) loadKind(ctx context.Context, account common.Address, kind Kind) (*Credential, error) {
	blob, err := m.records.LoadCredential(ctx, account, string(kind))
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w", err)
	}
	if blob == "" {
		return nil, ErrNoCredential
	}
	var cred Credential
	if err := json.Unmarshal([]byte(blob), &cred); err != nil {
		return nil, fmt.Errorf("corrupt credential record: %w", err)
	}
	return &cred, nil
}

// Revoke marks every credential of the account revoked, destroys the
// private material, and places the signing addresses in the revocation
// set so in-flight coordinators notice before the policy's natural
// expiry.
func (m *Manager) Revoke(ctx context.Context, account common.Address) error {
	revoked := 0
	for _, kind := range []Kind{KindSession, KindTransferOnly} {
		cred, err := m.loadKind(ctx, account, kind)
		if errors.Is(err, ErrNoCredential) {
			continue
		}
		if err != nil {
			return err
		}

		cred.Revoked = true
		cred.PrivateKeyHex = ""
		if err := m.persist(ctx, *cred); err != nil {
			return err
		}
		if err := m.store.Set(ctx, revocationKey(cred.SessionAddress), "1", m.cfg.RevocationTTL); err != nil {
			return fmt.Errorf("recording revocation: %w", err)
		}

		logrus.WithFields(logrus.Fields{
			"account": account.Hex(),
			"kind":    cred.Kind,
			"session": cred.SessionAddress.Hex(),
		}).Info("Revoked session credential")
		revoked++
	}
	if revoked == 0 {
		return ErrNoCredential
	}
	return nil
}

// IsRevoked consults the revocation set. Errors count as revoked: a
// coordinator that cannot verify must not submit.
func (m *Manager) IsRevoked(ctx context.Context, sessionAddress common.Address) bool {
	_, err := m.store.Get(ctx, revocationKey(sessionAddress))
	if err == nil {
		return true
	}
	if !errors.Is(err, kv.ErrNotFound) {
		logrus.Warnf("Revocation check unavailable, treating %s as revoked: %v", sessionAddress.Hex(), err)
		return true
	}
	return false
}

// Validate reports whether a credential may currently be used.
func (m *Manager) Validate(ctx context.Context, cred *Credential) bool {
	if cred == nil || cred.Revoked {
		return false
	}
	switch cred.Kind {
	case KindSession, KindTransferOnly:
	default:
		return false
	}
	if cred.SessionAddress == (common.Address{}) || cred.Account == (common.Address{}) {
		return false
	}
	if len(cred.Policy.Rules) == 0 {
		return false
	}
	now := m.nowFunc()
	if now.Before(cred.Policy.ValidFrom) || now.After(cred.ExpiresAt) {
		return false
	}
	return !m.IsRevoked(ctx, cred.SessionAddress)
}

// SigningKey decrypts and parses the credential's private material.
func (m *Manager) SigningKey(cred *Credential) (common.Address, []byte, error) {
	if cred.PrivateKeyHex == "" {
		return common.Address{}, nil, fmt.Errorf("credential has no signing material")
	}
	plain, err := m.enc.Decrypt(cred.PrivateKeyHex)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("decrypting session key: %w", err)
	}
	raw, err := hex.DecodeString(plain)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("malformed session key material: %w", err)
	}
	return cred.SessionAddress, raw, nil
}

func (m *Manager) persist(ctx context.Context, cred Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}
	if err := m.records.SaveCredential(ctx, cred.Account, string(cred.Kind), string(data)); err != nil {
		return fmt.Errorf("persisting credential: %w", err)
	}
	return nil
}
