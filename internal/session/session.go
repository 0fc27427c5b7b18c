// Package session reconciles the ephemeral tier, the persistent tier and the
// backend API into one logical wallet session.
package session

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// DefaultChainID is Ethereum mainnet, applied when no chain is stored.
	DefaultChainID int64 = 1
	// AccountModeLive is the default account mode.
	AccountModeLive = "live"
)

// Validation failure reasons.
const (
	ReasonMissingSession = "missing-session"
	ReasonMissingAddress = "missing-address"
	ReasonInvalidAddress = "invalid-address"
	ReasonExpired        = "expired"
)

// Session is the reconciled view of a connected wallet. Timestamps are unix
// milliseconds; zero means unset.
type Session struct {
	Address      string `json:"address"`
	ChainID      int64  `json:"chainId"`
	SessionToken string `json:"sessionToken,omitempty"`
	AccountMode  string `json:"accountMode,omitempty"`
	ConnectedAt  int64  `json:"connectedAt,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`
}

// NormalizeAddress lowercases and trims an address. It is idempotent.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// IsValidAddress reports whether addr is a 0x-prefixed 20 byte hex address.
func IsValidAddress(addr string) bool {
	addr = NormalizeAddress(addr)
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// ChecksumAddress renders addr in EIP-55 mixed case.
func ChecksumAddress(addr string) string {
	return common.HexToAddress(addr).Hex()
}

// Validate reports whether s is usable at now, and why not.
func Validate(s *Session, now time.Time) (bool, string) {
	if s == nil {
		return false, ReasonMissingSession
	}
	if strings.TrimSpace(s.Address) == "" {
		return false, ReasonMissingAddress
	}
	if !IsValidAddress(s.Address) {
		return false, ReasonInvalidAddress
	}
	if s.ExpiresAt != 0 && s.ExpiresAt < now.UnixMilli() {
		return false, ReasonExpired
	}
	return true, ""
}

// SessionsEqual compares normalized address, chain id and token. The token is
// compared in constant time.
func SessionsEqual(a, b *Session) bool {
	if a == nil || b == nil {
		return a == b
	}
	sameAddress := NormalizeAddress(a.Address) == NormalizeAddress(b.Address)
	sameToken := ConstantTimeEqual(a.SessionToken, b.SessionToken)
	return sameAddress && a.ChainID == b.ChainID && sameToken
}

// ConstantTimeEqual scans max(len(a), len(b)) bytes and folds a length
// mismatch into the result; it never returns early. crypto/subtle returns
// immediately on differing lengths, which leaks the token length.
func ConstantTimeEqual(a, b string) bool {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	diff := len(a) ^ len(b)
	for i := 0; i < n; i++ {
		var x, y byte
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		diff |= int(x ^ y)
	}
	return diff == 0
}

// MergeSession overlays the non-empty fields of incoming on base. The earliest
// known ConnectedAt is kept.
func MergeSession(base, incoming *Session) *Session {
	if base == nil {
		return incoming
	}
	if incoming == nil {
		return base
	}
	out := *base
	if incoming.Address != "" {
		out.Address = incoming.Address
	}
	if incoming.ChainID != 0 {
		out.ChainID = incoming.ChainID
	}
	if incoming.SessionToken != "" {
		out.SessionToken = incoming.SessionToken
	}
	if incoming.AccountMode != "" {
		out.AccountMode = incoming.AccountMode
	}
	if incoming.ExpiresAt != 0 {
		out.ExpiresAt = incoming.ExpiresAt
	}
	if incoming.ConnectedAt != 0 && (out.ConnectedAt == 0 || incoming.ConnectedAt < out.ConnectedAt) {
		out.ConnectedAt = incoming.ConnectedAt
	}
	return &out
}

// ChangeType classifies a session transition.
type ChangeType string

const (
	Connected    ChangeType = "connected"
	Disconnected ChangeType = "disconnected"
	Updated      ChangeType = "updated"
)

// Change is delivered to subscribers when the reconciled session moves.
type Change struct {
	Type      ChangeType `json:"type"`
	Previous  *Session   `json:"previous"`
	Current   *Session   `json:"current"`
	Timestamp int64      `json:"timestamp"`
}

// ClassifyChange derives the transition between two snapshots. ok is false
// when nothing observable changed.
func ClassifyChange(prev, cur *Session) (ChangeType, bool) {
	switch {
	case prev == nil && cur == nil:
		return "", false
	case prev == nil:
		return Connected, true
	case cur == nil:
		return Disconnected, true
	case SessionsEqual(prev, cur):
		return "", false
	default:
		return Updated, true
	}
}
