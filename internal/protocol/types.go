package protocol

import "strings"

// Namespace prefixes every page-facing message type.
const Namespace = "SIWE_BRIDGE_"

// Page-facing message types.
const (
	TypePresenceCheck     = Namespace + "PRESENCE_CHECK"
	TypePresenceConfirmed = Namespace + "PRESENCE_CONFIRMED"

	TypeOpenAuth   = Namespace + "OPEN_AUTH"
	TypeAuthOpened = Namespace + "AUTH_OPENED"

	TypeGetSession = Namespace + "GET_SESSION"
	TypeSession    = Namespace + "SESSION"

	TypeDisconnect   = Namespace + "DISCONNECT"
	TypeDisconnected = Namespace + "DISCONNECTED"

	TypeWalletConnect       = Namespace + "WALLET_CONNECT"
	TypeWalletConnectResult = Namespace + "WALLET_CONNECT_RESULT"

	TypeWalletSign       = Namespace + "WALLET_SIGN"
	TypeWalletSignResult = Namespace + "WALLET_SIGN_RESULT"

	TypeStoreSession  = Namespace + "STORE_SESSION"
	TypeSessionStored = Namespace + "SESSION_STORED"

	TypeClearSession   = Namespace + "CLEAR_SESSION"
	TypeSessionCleared = Namespace + "SESSION_CLEARED"
	TypeSessionChanged = Namespace + "SESSION_CHANGED"

	TypePopupGetSession = Namespace + "POPUP_GET_SESSION"
	TypePopupSession    = Namespace + "POPUP_SESSION"

	TypeBeginAuth  = Namespace + "START_AUTH"
	TypeAuthResult = Namespace + "AUTH_RESULT"

	TypeCompleteAuth  = Namespace + "AUTH_SUCCESS"
	TypeAuthCompleted = Namespace + "AUTH_COMPLETED"

	TypeWalletRequest       = Namespace + "WALLET_REQUEST"
	TypeWalletRequestResult = Namespace + "WALLET_REQUEST_RESULT"

	TypeError = Namespace + "ERROR"
)

// Background-internal message types.
const (
	TypePing            = "PING"
	TypeRequestAccounts = "REQUEST_ACCOUNTS"
	TypeSignMessage     = "SIGN_MESSAGE"
	TypeSendTransaction = "SEND_TRANSACTION"
	TypeSwitchChain     = "SWITCH_CHAIN"
	TypeAddChain        = "ADD_CHAIN"
	TypeRPCRequest      = "RPC_REQUEST"
	TypeBgGetSession    = "GET_SESSION"
	TypeBgDisconnect    = "DISCONNECT"
	TypeOpenAuthTab     = "OPEN_AUTH_TAB"
	TypeAuthSuccess     = "AUTH_SUCCESS"
	TypeStartAuth       = "START_AUTH"
)

// Broadcasts sent from the background process to every matching tab.
const (
	TypeDisconnectEvent = "DISCONNECT_EVENT"
	TypeConnect         = "CONNECT"
	TypeAccountsChanged = "ACCOUNTS_CHANGED"
	TypeChainChanged    = "CHAIN_CHANGED"
)

// InNamespace reports whether t is a page-facing protocol type.
func InNamespace(t string) bool {
	return len(t) > len(Namespace) && strings.HasPrefix(t, Namespace)
}

// ErrorResponse is the structured error emitted for every failed request
// that carried a type.
type ErrorResponse struct {
	Type         string `json:"type"`
	Success      bool   `json:"success"`
	Code         Code   `json:"code"`
	Message      string `json:"message"`
	OriginalType string `json:"originalType,omitempty"`
	RequestID    string `json:"requestId,omitempty"`
}

// Response is a successful reply carrying the handler result.
type Response struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}
