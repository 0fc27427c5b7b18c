// Package siwe builds and parses EIP-4361 Sign-In with Ethereum messages.
package siwe

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const (
	headerSuffix = " wants you to sign in with your Ethereum account:"
	// Version is the only message version defined by EIP-4361.
	Version = "1"
)

// Message is the structured form of a SIWE message.
type Message struct {
	Domain         string
	Address        string
	Statement      string
	URI            string
	Version        string
	ChainID        int64
	Nonce          string
	IssuedAt       time.Time
	ExpirationTime time.Time
	NotBefore      time.Time
	RequestID      string
	Resources      []string
}

// ErrMalformed is returned by Parse for text that is not a SIWE message.
var ErrMalformed = errors.New("siwe: malformed message")

// NewNonce returns a random alphanumeric nonce of 32 characters.
func NewNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Validate checks the fields EIP-4361 requires.
func (m *Message) Validate() error {
	switch {
	case m.Domain == "":
		return fmt.Errorf("%w: domain is required", ErrMalformed)
	case !common.IsHexAddress(m.Address) || !strings.HasPrefix(m.Address, "0x"):
		return fmt.Errorf("%w: invalid address %q", ErrMalformed, m.Address)
	case m.URI == "":
		return fmt.Errorf("%w: uri is required", ErrMalformed)
	case m.ChainID <= 0:
		return fmt.Errorf("%w: chain id must be positive", ErrMalformed)
	case len(m.Nonce) < 8:
		return fmt.Errorf("%w: nonce must be at least 8 characters", ErrMalformed)
	case m.IssuedAt.IsZero():
		return fmt.Errorf("%w: issued at is required", ErrMalformed)
	case strings.Contains(m.Statement, "\n"):
		return fmt.Errorf("%w: statement must be a single line", ErrMalformed)
	}
	return nil
}

// String renders the message in EIP-4361 text form. The address is written
// with its EIP-55 checksum.
func (m *Message) String() string {
	version := m.Version
	if version == "" {
		version = Version
	}

	var b strings.Builder
	b.WriteString(m.Domain + headerSuffix + "\n")
	b.WriteString(common.HexToAddress(m.Address).Hex() + "\n\n")
	if m.Statement != "" {
		b.WriteString(m.Statement + "\n")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "URI: %s\n", m.URI)
	fmt.Fprintf(&b, "Version: %s\n", version)
	fmt.Fprintf(&b, "Chain ID: %d\n", m.ChainID)
	fmt.Fprintf(&b, "Nonce: %s\n", m.Nonce)
	fmt.Fprintf(&b, "Issued At: %s", m.IssuedAt.UTC().Format(time.RFC3339))
	if !m.ExpirationTime.IsZero() {
		fmt.Fprintf(&b, "\nExpiration Time: %s", m.ExpirationTime.UTC().Format(time.RFC3339))
	}
	if !m.NotBefore.IsZero() {
		fmt.Fprintf(&b, "\nNot Before: %s", m.NotBefore.UTC().Format(time.RFC3339))
	}
	if m.RequestID != "" {
		fmt.Fprintf(&b, "\nRequest ID: %s", m.RequestID)
	}
	if len(m.Resources) > 0 {
		b.WriteString("\nResources:")
		for _, r := range m.Resources {
			b.WriteString("\n- " + r)
		}
	}
	return b.String()
}

// Parse reads an EIP-4361 message.
func Parse(text string) (*Message, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if len(lines) < 4 || !strings.HasSuffix(lines[0], headerSuffix) {
		return nil, fmt.Errorf("%w: missing header", ErrMalformed)
	}
	m := &Message{
		Domain:  strings.TrimSuffix(lines[0], headerSuffix),
		Address: lines[1],
	}
	if lines[2] != "" {
		return nil, fmt.Errorf("%w: expected blank line after address", ErrMalformed)
	}

	i := 3
	if lines[i] != "" {
		m.Statement = lines[i]
		i++
		if i >= len(lines) || lines[i] != "" {
			return nil, fmt.Errorf("%w: expected blank line after statement", ErrMalformed)
		}
	}
	i++

	for ; i < len(lines); i++ {
		line := lines[i]
		if line == "Resources:" {
			for _, r := range lines[i+1:] {
				if !strings.HasPrefix(r, "- ") {
					return nil, fmt.Errorf("%w: bad resource line %q", ErrMalformed, r)
				}
				m.Resources = append(m.Resources, strings.TrimPrefix(r, "- "))
			}
			break
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("%w: bad field line %q", ErrMalformed, line)
		}
		if err := m.setField(key, value); err != nil {
			return nil, err
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Message) setField(key, value string) error {
	var err error
	switch key {
	case "URI":
		m.URI = value
	case "Version":
		if value != Version {
			return fmt.Errorf("%w: unsupported version %q", ErrMalformed, value)
		}
		m.Version = value
	case "Chain ID":
		m.ChainID, err = strconv.ParseInt(value, 10, 64)
	case "Nonce":
		m.Nonce = value
	case "Issued At":
		m.IssuedAt, err = time.Parse(time.RFC3339, value)
	case "Expiration Time":
		m.ExpirationTime, err = time.Parse(time.RFC3339, value)
	case "Not Before":
		m.NotBefore, err = time.Parse(time.RFC3339, value)
	case "Request ID":
		m.RequestID = value
	default:
		return fmt.Errorf("%w: unknown field %q", ErrMalformed, key)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	return nil
}

// CheckTime reports whether now falls inside the message validity window.
func (m *Message) CheckTime(now time.Time) error {
	if !m.ExpirationTime.IsZero() && !now.Before(m.ExpirationTime) {
		return errors.New("siwe: message expired")
	}
	if !m.NotBefore.IsZero() && now.Before(m.NotBefore) {
		return errors.New("siwe: message not yet valid")
	}
	return nil
}
