package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrOAuthStateInvalid   = errors.New("core: oauth state is invalid or expired")
	ErrOAuthNotSupported   = errors.New("core: platform does not support the oauth code flow")
	ErrPendingGrantMissing = errors.New("core: pending grant is invalid or expired")
)

// BeginOAuth issues a single-use state bound to the user and returns the
// platform authorization URL.
func (s *Service) BeginOAuth(ctx context.Context, req BeginOAuthRequest) (resp BeginOAuthResponse, err error) {
	startedAt := time.Now().UTC()
	defer func() {
		s.observeOperation(ctx, startedAt, "begin_oauth", err, map[string]any{
			"user_id":  req.UserID,
			"platform": string(req.Platform),
		})
	}()

	if strings.TrimSpace(req.UserID) == "" {
		return BeginOAuthResponse{}, s.mapError(fmt.Errorf("core: user id is required"))
	}
	if !req.Platform.Valid() {
		return BeginOAuthResponse{}, s.mapError(fmt.Errorf("%w: %q", ErrInvalidPlatform, req.Platform))
	}
	if strings.TrimSpace(req.RedirectURI) == "" {
		return BeginOAuthResponse{}, s.mapError(fmt.Errorf("core: redirect uri is required"))
	}
	exchanger, ok := s.registry.OAuth(req.Platform)
	if !ok {
		return BeginOAuthResponse{}, s.mapError(fmt.Errorf("%w: %s", ErrOAuthNotSupported, req.Platform))
	}

	state, err := s.oauthStates.Issue(ctx, req.UserID, req.Platform, req.RedirectURI)
	if err != nil {
		return BeginOAuthResponse{}, s.mapError(err)
	}
	authURL, err := exchanger.AuthorizationURL(state.ID, state.RedirectURI, req.Scopes)
	if err != nil {
		return BeginOAuthResponse{}, s.mapError(err)
	}
	return BeginOAuthResponse{
		URL:       authURL,
		State:     state.ID,
		ExpiresAt: state.ExpiresAt,
	}, nil
}

// CompleteOAuth validates the state and exchanges the code. Without an
// account id the grant is parked in the pending token cache.
func (s *Service) CompleteOAuth(ctx context.Context, req CompleteOAuthRequest) (resp CompleteOAuthResponse, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"user_id": req.UserID, "account_id": req.AccountID}
	defer func() {
		fields["pending"] = resp.PendingHandle != ""
		s.observeOperation(ctx, startedAt, "complete_oauth", err, fields)
	}()

	if strings.TrimSpace(req.Code) == "" {
		return CompleteOAuthResponse{}, s.mapError(fmt.Errorf("core: authorization code is required"))
	}
	state, ok := s.oauthStates.Validate(ctx, req.State, req.UserID)
	if !ok {
		return CompleteOAuthResponse{}, s.mapError(ErrOAuthStateInvalid)
	}
	fields["platform"] = string(state.Platform)

	exchanger, ok := s.registry.OAuth(state.Platform)
	if !ok {
		return CompleteOAuthResponse{}, s.mapError(fmt.Errorf("%w: %s", ErrOAuthNotSupported, state.Platform))
	}
	grant, err := exchanger.ExchangeCode(ctx, req.Code, state.RedirectURI)
	if err != nil {
		return CompleteOAuthResponse{}, s.mapError(err)
	}

	if strings.TrimSpace(req.AccountID) == "" {
		pending, err := s.pendingTokens.Put(ctx, state.UserID, state.Platform, grant)
		if err != nil {
			return CompleteOAuthResponse{}, s.mapError(err)
		}
		return CompleteOAuthResponse{
			PendingHandle: pending.Handle,
			PendingUntil:  pending.ExpiresAt,
		}, nil
	}

	conn, err := s.storeGrant(ctx, state.UserID, state.Platform, req.AccountID, req.AccountName, grant)
	if err != nil {
		return CompleteOAuthResponse{}, s.mapError(err)
	}
	return CompleteOAuthResponse{Connection: &conn}, nil
}

// ConnectPending turns a parked grant into a connection once the user has
// chosen an account.
func (s *Service) ConnectPending(ctx context.Context, req ConnectPendingRequest) (conn Connection, err error) {
	startedAt := time.Now().UTC()
	defer func() {
		s.observeOperation(ctx, startedAt, "connect_pending", err, map[string]any{
			"user_id":       req.UserID,
			"account_id":    req.AccountID,
			"platform":      string(conn.Platform),
			"connection_id": conn.ID,
		})
	}()

	if strings.TrimSpace(req.AccountID) == "" {
		return Connection{}, s.mapError(fmt.Errorf("core: account id is required"))
	}
	pending, ok := s.pendingTokens.Take(ctx, req.PendingHandle, req.UserID)
	if !ok {
		return Connection{}, s.mapError(ErrPendingGrantMissing)
	}
	conn, err = s.storeGrant(ctx, pending.UserID, pending.Platform, req.AccountID, req.AccountName, pending.Grant)
	if err != nil {
		return Connection{}, s.mapError(err)
	}
	return conn, nil
}

// storeGrant creates or updates the connection for the account. A
// reconnection invalidates the account's cached metrics.
func (s *Service) storeGrant(
	ctx context.Context,
	userID string,
	platform Platform,
	accountID string,
	accountName string,
	grant TokenGrant,
) (Connection, error) {
	if s.connectionStore == nil {
		return Connection{}, fmt.Errorf("core: connection store is not configured")
	}
	_, existed, err := s.connectionStore.GetByAccount(ctx, userID, platform, accountID)
	if err != nil {
		return Connection{}, err
	}
	in := CreateConnectionInput{
		UserID:       userID,
		Platform:     platform,
		AccountID:    strings.TrimSpace(accountID),
		AccountName:  strings.TrimSpace(accountName),
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.ExpiresAt(s.now()),
	}
	if err := in.Validate(); err != nil {
		return Connection{}, err
	}
	conn, err := s.connectionStore.Create(ctx, in)
	if err != nil {
		return Connection{}, err
	}
	if existed {
		if _, err := s.invalidateAccount(ctx, conn.Platform, conn.AccountID, "reconnected"); err != nil {
			s.logWarn(ctx, "cache invalidation after reconnect failed", map[string]any{
				"connection_id": conn.ID,
				"account_id":    conn.AccountID,
				"error":         err.Error(),
			})
		}
	}
	return conn, nil
}
