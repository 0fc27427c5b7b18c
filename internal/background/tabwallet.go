package background

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/example/wallet-bridge/internal/authflow"
	"github.com/example/wallet-bridge/internal/host"
	"github.com/example/wallet-bridge/internal/protocol"
	"github.com/example/wallet-bridge/internal/wallet"
)

// SignReply is the tab's answer to SIGN_MESSAGE.
type SignReply struct {
	Signature string `json:"signature"`
}

// TabWallet reaches the wallet through the relay of an open tab. It is the
// wallet of the authentication flow.
type TabWallet struct {
	Messenger host.TabMessenger
	// TabID is the tab used when a flow names none; empty means the most
	// recently active one.
	TabID string
	Now   func() time.Time
}

func (w *TabWallet) RequestAccounts(ctx context.Context, tabID string) (*authflow.Accounts, error) {
	var res wallet.ConnectResult
	if err := w.call(ctx, tabID, protocol.TypeRequestAccounts, nil, &res); err != nil {
		return nil, err
	}
	addrs := res.Accounts
	if len(addrs) == 0 && res.Address != "" {
		addrs = []string{res.Address}
	}
	return &authflow.Accounts{Addresses: addrs, ChainID: res.ChainID}, nil
}

func (w *TabWallet) SignMessage(ctx context.Context, tabID, message, address string) (string, error) {
	var res SignReply
	if err := w.call(ctx, tabID, protocol.TypeSignMessage, wallet.SignRequest{Message: message, Address: address}, &res); err != nil {
		return "", err
	}
	return res.Signature, nil
}

func (w *TabWallet) call(ctx context.Context, tabID, msgType string, payload any, out any) error {
	if tabID == "" {
		tabID = w.TabID
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	env, err := protocol.NewEnvelope(protocol.Envelope{Type: msgType}, now()).WithPayload(payload)
	if err != nil {
		return protocol.Errorf(protocol.CodeInvalidRequest, "encode %s: %v", msgType, err)
	}
	raw, err := w.Messenger.SendToTab(ctx, tabID, env)
	if errors.Is(err, host.ErrNoTab) {
		return protocol.Wrap(protocol.CodeNoWalletDetected, err)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return protocol.Errorf(protocol.CodeWalletConnectionFailed, "malformed %s reply: %v", msgType, err)
	}
	return nil
}
