package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ AdsConnectService = (*Service)(nil)
	_ OAuthStateStore   = (*MemoryOAuthStateStore)(nil)
	_ PendingTokenStore = (*TemporaryTokenCache)(nil)
	_ ConnectionLocker  = (*MemoryConnectionLocker)(nil)
	_ MetricsRecorder   = NopMetricsRecorder{}
	_ Sweepable         = (*MemoryOAuthStateStore)(nil)

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
