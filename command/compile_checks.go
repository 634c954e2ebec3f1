package command

import (
	"github.com/goliatone/go-adsconnect/core"
	gocmd "github.com/goliatone/go-command"
)

var (
	_ gocmd.Commander[CreateConnectionMessage]  = (*CreateConnectionCommand)(nil)
	_ gocmd.Commander[DisconnectMessage]        = (*DisconnectCommand)(nil)
	_ gocmd.Commander[BeginOAuthMessage]        = (*BeginOAuthCommand)(nil)
	_ gocmd.Commander[CompleteOAuthMessage]     = (*CompleteOAuthCommand)(nil)
	_ gocmd.Commander[ConnectPendingMessage]    = (*ConnectPendingCommand)(nil)
	_ gocmd.Commander[InvalidateAccountMessage] = (*InvalidateAccountCommand)(nil)

	_ MutatingService = (core.AdsConnectService)(nil)
)
