package core

import (
	"strings"
	"time"
)

// TokenState is the lazily evaluated lifecycle state of a connection token.
type TokenState string

const (
	TokenValid         TokenState = "valid"
	TokenExpired       TokenState = "expired"
	TokenUnrefreshable TokenState = "unrefreshable"
)

// ResolveTokenState classifies conn by expiry alone. A nil expiry counts as
// valid here; remote validation is the refresher's concern.
func ResolveTokenState(now time.Time, conn Connection, leadWindow time.Duration) TokenState {
	if now.IsZero() {
		now = time.Now().UTC()
	} else {
		now = now.UTC()
	}
	if leadWindow < 0 {
		leadWindow = 0
	}
	if conn.CredentialUnreadable {
		return TokenUnrefreshable
	}
	if strings.TrimSpace(conn.AccessToken) != "" {
		if conn.ExpiresAt == nil || conn.ExpiresAt.UTC().After(now.Add(leadWindow)) {
			return TokenValid
		}
	}
	if strings.TrimSpace(conn.RefreshToken) == "" {
		return TokenUnrefreshable
	}
	return TokenExpired
}
