package content

import (
	"context"
	"encoding/json"

	"github.com/example/wallet-bridge/internal/background"
	"github.com/example/wallet-bridge/internal/protocol"
	"github.com/example/wallet-bridge/internal/router"
	"github.com/example/wallet-bridge/internal/session"
	"github.com/example/wallet-bridge/internal/wallet"
)

// Page-facing reply payloads.
type (
	PresenceConfirmed struct {
		Present bool   `json:"present"`
		Version string `json:"version"`
	}

	AuthOpened struct {
		Success bool   `json:"success"`
		TabID   string `json:"tabId,omitempty"`
	}

	SessionSnapshot struct {
		Session *session.Session `json:"session"`
	}

	Result struct {
		Success bool `json:"success"`
	}

	WalletConnectResult struct {
		Success    bool   `json:"success"`
		Address    string `json:"address"`
		ChainID    int64  `json:"chainId"`
		WalletName string `json:"walletName,omitempty"`
	}

	WalletSignResult struct {
		Success   bool   `json:"success"`
		Signature string `json:"signature"`
	}

	PopupSession struct {
		Success bool             `json:"success"`
		Session *session.Session `json:"session,omitempty"`
	}

	AuthResult struct {
		Success bool             `json:"success"`
		Session *session.Session `json:"session"`
	}

	WalletRequestResult struct {
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result,omitempty"`
	}
)

// WalletRequest is the payload of WALLET_REQUEST: an EIP-1193 call for the
// wallet of tabId, or of the most recently active tab.
type WalletRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	TabID  string          `json:"tabId,omitempty"`
}

// StoreSessionRequest is the payload of STORE_SESSION.
type StoreSessionRequest struct {
	SessionToken string `json:"sessionToken"`
	Address      string `json:"address"`
	ChainID      int64  `json:"chainId"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`
}

func (r *Relay) registerRoutes() {
	r.router.Register(protocol.TypePresenceCheck, router.Route{
		Handler:         r.presence,
		ResponseType:    protocol.TypePresenceConfirmed,
		RateLimitExempt: true,
	})
	r.router.Register(protocol.TypeOpenAuth, router.Route{Handler: r.openAuth, ResponseType: protocol.TypeAuthOpened})
	r.router.Register(protocol.TypeGetSession, router.Route{Handler: r.getSession, ResponseType: protocol.TypeSession})
	r.router.Register(protocol.TypeDisconnect, router.Route{Handler: r.disconnect, ResponseType: protocol.TypeDisconnected})
	r.router.Register(protocol.TypeWalletConnect, router.Route{Handler: r.walletConnect, ResponseType: protocol.TypeWalletConnectResult})
	r.router.Register(protocol.TypeWalletSign, router.Route{
		Handler:        r.walletSign,
		ResponseType:   protocol.TypeWalletSignResult,
		RequiredFields: []string{"message", "address"},
	})
	r.router.Register(protocol.TypeStoreSession, router.Route{
		Handler:        r.storeSession,
		ResponseType:   protocol.TypeSessionStored,
		RequiredFields: []string{"sessionToken", "address", "chainId"},
	})
	r.router.Register(protocol.TypeClearSession, router.Route{Handler: r.clearSession, ResponseType: protocol.TypeSessionCleared})
	r.router.Register(protocol.TypePopupGetSession, router.Route{Handler: r.popupSession, ResponseType: protocol.TypePopupSession})
	r.router.Register(protocol.TypeBeginAuth, router.Route{Handler: r.beginAuth, ResponseType: protocol.TypeAuthResult})
	r.router.Register(protocol.TypeCompleteAuth, router.Route{
		Handler:        r.completeAuth,
		ResponseType:   protocol.TypeAuthCompleted,
		RequiredFields: []string{"sessionToken", "address"},
	})
	r.router.Register(protocol.TypeWalletRequest, router.Route{
		Handler:        r.walletRequest,
		ResponseType:   protocol.TypeWalletRequestResult,
		RequiredFields: []string{"method"},
	})
}

func (r *Relay) presence(context.Context, *router.Request) (any, error) {
	return PresenceConfirmed{Present: true, Version: protocol.CurrentVersion}, nil
}

func (r *Relay) openAuth(ctx context.Context, _ *router.Request) (any, error) {
	var ack background.Ack
	if err := r.callBackground(ctx, protocol.TypeOpenAuthTab, nil, &ack); err != nil {
		return nil, err
	}
	return AuthOpened{Success: ack.Success, TabID: ack.TabID}, nil
}

func (r *Relay) getSession(ctx context.Context, _ *router.Request) (any, error) {
	var reply background.SessionReply
	if err := r.callBackground(ctx, protocol.TypeBgGetSession, nil, &reply); err != nil {
		return nil, err
	}
	return SessionSnapshot{Session: redact(reply.Session)}, nil
}

func (r *Relay) disconnect(ctx context.Context, _ *router.Request) (any, error) {
	if err := r.callBackground(ctx, protocol.TypeBgDisconnect, nil, nil); err != nil {
		return nil, err
	}
	return Result{Success: true}, nil
}

func (r *Relay) walletConnect(ctx context.Context, _ *router.Request) (any, error) {
	res, err := r.wallet.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return WalletConnectResult{
		Success:    true,
		Address:    session.NormalizeAddress(res.Address),
		ChainID:    res.ChainID,
		WalletName: res.WalletName,
	}, nil
}

func (r *Relay) walletSign(ctx context.Context, req *router.Request) (any, error) {
	var in wallet.SignRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	sig, err := r.wallet.Sign(ctx, in)
	if err != nil {
		return nil, err
	}
	return WalletSignResult{Success: true, Signature: sig}, nil
}

func (r *Relay) storeSession(ctx context.Context, req *router.Request) (any, error) {
	var in StoreSessionRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	s := &session.Session{
		Address:      in.Address,
		ChainID:      in.ChainID,
		SessionToken: in.SessionToken,
		ExpiresAt:    in.ExpiresAt,
		AccountMode:  session.AccountModeLive,
	}
	if ok, reason := session.Validate(s, r.now()); !ok {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "invalid session: %s", reason)
	}
	if err := r.sessions.SetSession(ctx, s); err != nil {
		return nil, protocol.Wrap(protocol.CodeSessionStorageFailed, err)
	}
	return Result{Success: true}, nil
}

func (r *Relay) clearSession(ctx context.Context, _ *router.Request) (any, error) {
	if err := r.sessions.ClearSession(ctx); err != nil {
		return nil, protocol.Wrap(protocol.CodeSessionStorageFailed, err)
	}
	return Result{Success: true}, nil
}

func (r *Relay) popupSession(ctx context.Context, _ *router.Request) (any, error) {
	s, _, err := r.sessions.SyncSession(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("content: popup session sync failed")
		return PopupSession{Success: false}, nil
	}
	return PopupSession{Success: true, Session: redact(s)}, nil
}

// beginAuth runs the sign-in flow with this tab's wallet and answers with the
// new session.
func (r *Relay) beginAuth(ctx context.Context, _ *router.Request) (any, error) {
	var reply background.SessionReply
	if err := r.callBackground(ctx, protocol.TypeStartAuth, map[string]string{"tabId": r.cfg.TabID}, &reply); err != nil {
		return nil, err
	}
	return AuthResult{Success: true, Session: redact(reply.Session)}, nil
}

// completeAuth hands a handshake finished by the authentication page to the
// background service.
func (r *Relay) completeAuth(ctx context.Context, req *router.Request) (any, error) {
	var in background.AuthSuccess
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if err := r.callBackground(ctx, protocol.TypeAuthSuccess, in, nil); err != nil {
		return nil, err
	}
	return Result{Success: true}, nil
}

func (r *Relay) walletRequest(ctx context.Context, req *router.Request) (any, error) {
	var in WalletRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	msgType, payload, err := backgroundCall(in)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	if err := r.callBackground(ctx, msgType, payload, &out); err != nil {
		return nil, err
	}
	return WalletRequestResult{Success: true, Result: out}, nil
}

type forwardedRPC struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	TabID  string          `json:"tabId,omitempty"`
}

// backgroundCall picks the background message for a provider method.
func backgroundCall(in WalletRequest) (string, any, error) {
	switch in.Method {
	case "eth_requestAccounts":
		return protocol.TypeRequestAccounts, map[string]string{"tabId": in.TabID}, nil
	case "personal_sign":
		var params []string
		if err := json.Unmarshal(in.Params, &params); err != nil || len(params) < 2 {
			return "", nil, protocol.Errorf(protocol.CodeInvalidRequest, "personal_sign takes [message, address]")
		}
		return protocol.TypeSignMessage, map[string]string{"message": params[0], "address": params[1], "tabId": in.TabID}, nil
	}
	msgType := protocol.TypeRPCRequest
	for t, m := range rpcMethods {
		if m == in.Method {
			msgType = t
		}
	}
	return msgType, forwardedRPC{Method: in.Method, Params: in.Params, TabID: in.TabID}, nil
}

// rpcMethods maps the typed wallet operations onto provider methods.
var rpcMethods = map[string]string{
	protocol.TypeSendTransaction: "eth_sendTransaction",
	protocol.TypeSwitchChain:     "wallet_switchEthereumChain",
	protocol.TypeAddChain:        "wallet_addEthereumChain",
}

// Ack is returned for broadcasts, which carry no reply.
type Ack struct {
	OK bool `json:"ok"`
}

// HandleBackground answers messages the background service sends to this
// tab, and observes its broadcasts.
func (r *Relay) HandleBackground(ctx context.Context, msg *protocol.Envelope) (json.RawMessage, error) {
	var out any
	switch msg.Type {
	case protocol.TypeRequestAccounts:
		res, err := r.wallet.Connect(ctx)
		if err != nil {
			return nil, err
		}
		out = res
	case protocol.TypeSignMessage:
		var in wallet.SignRequest
		if err := msg.DecodePayload(&in); err != nil || in.Message == "" {
			return nil, protocol.Errorf(protocol.CodeInvalidRequest, "sign request needs a message")
		}
		sig, err := r.wallet.Sign(ctx, in)
		if err != nil {
			return nil, err
		}
		out = background.SignReply{Signature: sig}
	case protocol.TypeSendTransaction, protocol.TypeSwitchChain, protocol.TypeAddChain, protocol.TypeRPCRequest:
		var in wallet.RPCRequest
		if len(msg.Payload) > 0 {
			if err := msg.DecodePayload(&in); err != nil {
				return nil, protocol.Errorf(protocol.CodeInvalidRequest, "malformed %s payload: %v", msg.Type, err)
			}
		}
		if m, ok := rpcMethods[msg.Type]; ok {
			in.Method = m
		}
		return r.wallet.Request(ctx, in)
	case protocol.TypeConnect, protocol.TypeDisconnectEvent:
		// The session change feed tells the page; make sure this tab's view
		// catches up with writes made elsewhere.
		if _, _, err := r.sessions.SyncSession(ctx); err != nil {
			r.logger.Warn().Err(err).Str("type", msg.Type).Msg("content: session refresh failed")
		}
		out = Ack{OK: true}
	case protocol.TypeAccountsChanged, protocol.TypeChainChanged:
		if err := r.poster.Post(ctx, r.cfg.TargetOrigin, msg); err != nil {
			r.logger.Warn().Err(err).Str("type", msg.Type).Msg("content: failed to forward provider event")
		}
		out = Ack{OK: true}
	default:
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "unsupported message type %q", msg.Type)
	}
	return json.Marshal(out)
}
