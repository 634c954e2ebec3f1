package command

import "github.com/goliatone/go-adsconnect/core"

const (
	TypeCreateConnection  = "adsconnect.command.connection.create"
	TypeDisconnect        = "adsconnect.command.connection.disconnect"
	TypeBeginOAuth        = "adsconnect.command.oauth.begin"
	TypeCompleteOAuth     = "adsconnect.command.oauth.complete"
	TypeConnectPending    = "adsconnect.command.oauth.connect_pending"
	TypeInvalidateAccount = "adsconnect.command.cache.invalidate_account"
)

type CreateConnectionMessage struct {
	Input core.CreateConnectionInput
}

func (CreateConnectionMessage) Type() string { return TypeCreateConnection }

func (m CreateConnectionMessage) Validate() error {
	return validate(TypeCreateConnection).
		require("user_id", m.Input.UserID).
		platform(m.Input.Platform).
		require("account_id", m.Input.AccountID).
		require("access_token", m.Input.AccessToken).
		err()
}

type DisconnectMessage struct {
	UserID       string
	ConnectionID string
}

func (DisconnectMessage) Type() string { return TypeDisconnect }

func (m DisconnectMessage) Validate() error {
	return validate(TypeDisconnect).
		require("user_id", m.UserID).
		require("connection_id", m.ConnectionID).
		err()
}

type BeginOAuthMessage struct {
	Request core.BeginOAuthRequest
}

func (BeginOAuthMessage) Type() string { return TypeBeginOAuth }

func (m BeginOAuthMessage) Validate() error {
	return validate(TypeBeginOAuth).
		require("user_id", m.Request.UserID).
		platform(m.Request.Platform).
		err()
}

type CompleteOAuthMessage struct {
	Request core.CompleteOAuthRequest
}

func (CompleteOAuthMessage) Type() string { return TypeCompleteOAuth }

func (m CompleteOAuthMessage) Validate() error {
	return validate(TypeCompleteOAuth).
		require("user_id", m.Request.UserID).
		require("state", m.Request.State).
		require("code", m.Request.Code).
		err()
}

type ConnectPendingMessage struct {
	Request core.ConnectPendingRequest
}

func (ConnectPendingMessage) Type() string { return TypeConnectPending }

func (m ConnectPendingMessage) Validate() error {
	return validate(TypeConnectPending).
		require("user_id", m.Request.UserID).
		require("pending_handle", m.Request.PendingHandle).
		require("account_id", m.Request.AccountID).
		err()
}

type InvalidateAccountMessage struct {
	UserID       string
	ConnectionID string
	Reason       string
}

func (InvalidateAccountMessage) Type() string { return TypeInvalidateAccount }

func (m InvalidateAccountMessage) Validate() error {
	return validate(TypeInvalidateAccount).
		require("user_id", m.UserID).
		require("connection_id", m.ConnectionID).
		err()
}
