package authflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/wallet-bridge/internal/storage"
)

// State is a step of the authentication flow.
type State string

const (
	StateIdle               State = "IDLE"
	StateRequestingAccounts State = "REQUESTING_ACCOUNTS"
	StateAccountsReceived   State = "ACCOUNTS_RECEIVED"
	StateGettingChallenge   State = "GETTING_CHALLENGE"
	StateChallengeReceived  State = "CHALLENGE_RECEIVED"
	StateSigningMessage     State = "SIGNING_MESSAGE"
	StateMessageSigned      State = "MESSAGE_SIGNED"
	StateVerifyingSignature State = "VERIFYING_SIGNATURE"
	StateAuthenticated      State = "AUTHENTICATED"
	StateError              State = "ERROR"
)

// Terminal reports whether no further step follows s.
func (s State) Terminal() bool {
	return s == StateAuthenticated || s == StateError
}

// Record is the durable flow state. Fields only accumulate as the flow
// advances.
type Record struct {
	FlowID           string   `json:"flowId"`
	State            State    `json:"state"`
	Accounts         []string `json:"accounts,omitempty"`
	Address          string   `json:"address,omitempty"`
	ChainID          int64    `json:"chainId,omitempty"`
	Nonce            string   `json:"nonce,omitempty"`
	ChallengeMessage string   `json:"challengeMessage,omitempty"`
	MessageToSign    string   `json:"messageToSign,omitempty"`
	Signature        string   `json:"signature,omitempty"`
	SessionToken     string   `json:"sessionToken,omitempty"`
	ExpiresAt        int64    `json:"expiresAt,omitempty"`
	AccountMode      string   `json:"accountMode,omitempty"`
	TabID            string   `json:"tabId,omitempty"`
	Error            string   `json:"error,omitempty"`
	StartedAt        int64    `json:"startedAt"`
	UpdatedAt        int64    `json:"updatedAt"`
}

// Stale reports whether the record was last touched more than ttl ago.
func (r *Record) Stale(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.UnixMilli()-r.UpdatedAt > ttl.Milliseconds()
}

// StorageKey is where the record lives in the persistent tier.
const StorageKey = "authFlow"

// ErrCorruptRecord is returned by Load when the stored record cannot be
// decoded.
var ErrCorruptRecord = errors.New("authflow: corrupt flow record")

// Store persists the flow record.
type Store struct {
	area storage.Area
}

// NewStore returns a store over area.
func NewStore(area storage.Area) *Store {
	return &Store{area: area}
}

// Load returns the stored record, or nil when there is none.
func (s *Store) Load(ctx context.Context) (*Record, error) {
	var rec Record
	found, err := storage.GetJSON(ctx, s.area, StorageKey, &rec)
	if err != nil {
		if found {
			return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		return nil, fmt.Errorf("authflow: load record: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// Save overwrites the stored record.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if err := storage.SetJSON(ctx, s.area, StorageKey, rec); err != nil {
		return fmt.Errorf("authflow: save record: %w", err)
	}
	return nil
}

// Clear removes the stored record.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.area.Remove(ctx, StorageKey); err != nil {
		return fmt.Errorf("authflow: clear record: %w", err)
	}
	return nil
}
