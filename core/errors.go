package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ServiceErrorBadInput          = "SERVICE_BAD_INPUT"
	ServiceErrorNotFound          = "SERVICE_NOT_FOUND"
	ServiceErrorQuotaExceeded     = "SERVICE_QUOTA_EXCEEDED"
	ServiceErrorReauthRequired    = "SERVICE_REAUTH_REQUIRED"
	ServiceErrorDecryptionFailure = "SERVICE_DECRYPTION_FAILURE"
	ServiceErrorProviderTransient = "SERVICE_PROVIDER_TRANSIENT"
	ServiceErrorProviderPermanent = "SERVICE_PROVIDER_PERMANENT"
	ServiceErrorRateLimited       = "SERVICE_RATE_LIMITED"
	ServiceErrorUnauthorized      = "SERVICE_UNAUTHORIZED"
	ServiceErrorForbidden         = "SERVICE_FORBIDDEN"
	ServiceErrorOAuthStateInvalid = "SERVICE_OAUTH_STATE_INVALID"
	ServiceErrorRefreshLocked     = "SERVICE_REFRESH_LOCKED"
	ServiceErrorInternal          = "SERVICE_INTERNAL_ERROR"
)

// ServiceErrorConverter is implemented by typed errors that know their
// go-errors envelope.
type ServiceErrorConverter interface {
	ToServiceError() *goerrors.Error
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	resource := strings.TrimSpace(e.Resource)
	if resource == "" {
		resource = "resource"
	}
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Sprintf("core: %s not found", resource)
	}
	return fmt.Sprintf("core: %s %q not found", resource, e.ID)
}

func (e *NotFoundError) ToServiceError() *goerrors.Error {
	return goerrors.Wrap(e, goerrors.CategoryNotFound, e.Error()).
		WithCode(http.StatusNotFound).
		WithTextCode(ServiceErrorNotFound).
		WithMetadata(map[string]any{"resource": e.Resource, "id": e.ID})
}

func NewNotFoundError(resource string, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// QuotaExceededError reports that the plan's connection limit is reached.
type QuotaExceededError struct {
	Platform Platform
	Profile  PlanTier
	Current  int
	Max      int
}

func (e *QuotaExceededError) Error() string {
	if e.Profile == "" {
		return fmt.Sprintf(
			"core: no plan is assigned to this user, so no %s accounts can be connected; choose a plan to connect accounts",
			e.Platform,
		)
	}
	return fmt.Sprintf(
		"core: connection limit reached for the %s plan (%d of %d %s accounts); upgrade your plan to connect more",
		e.Profile, e.Current, e.Max, e.Platform,
	)
}

func (e *QuotaExceededError) ToServiceError() *goerrors.Error {
	return goerrors.Wrap(e, goerrors.CategoryConflict, e.Error()).
		WithCode(http.StatusConflict).
		WithTextCode(ServiceErrorQuotaExceeded).
		WithMetadata(map[string]any{
			"platform": string(e.Platform),
			"profile":  string(e.Profile),
			"current":  e.Current,
			"max":      e.Max,
		})
}

// ReauthenticationRequiredError is terminal for the current request. The
// user has to go through the OAuth flow again.
type ReauthenticationRequiredError struct {
	Platform     Platform
	ConnectionID string
	Reason       string
	Decryption   bool
	Cause        error
}

func (e *ReauthenticationRequiredError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "access token expired and could not be refreshed"
	}
	return fmt.Sprintf(
		"core: %s connection %q: %s; please reconnect your account",
		e.Platform, e.ConnectionID, reason,
	)
}

func (e *ReauthenticationRequiredError) Unwrap() error {
	return e.Cause
}

func (e *ReauthenticationRequiredError) ToServiceError() *goerrors.Error {
	textCode := ServiceErrorReauthRequired
	if e.Decryption {
		textCode = ServiceErrorDecryptionFailure
	}
	return goerrors.Wrap(e, goerrors.CategoryAuth, e.Error()).
		WithCode(http.StatusUnauthorized).
		WithTextCode(textCode).
		WithMetadata(map[string]any{
			"platform":      string(e.Platform),
			"connection_id": e.ConnectionID,
		})
}

func NewReauthenticationRequiredError(platform Platform, connectionID string, reason string, cause error) error {
	return &ReauthenticationRequiredError{
		Platform:     platform,
		ConnectionID: connectionID,
		Reason:       reason,
		Cause:        cause,
	}
}

func NewDecryptionFailureError(platform Platform, connectionID string) error {
	return &ReauthenticationRequiredError{
		Platform:     platform,
		ConnectionID: connectionID,
		Reason:       "stored credential could not be decrypted",
		Decryption:   true,
	}
}

// ProviderError is returned by platform adapters. Transient errors are
// eligible for retry, permanent ones are surfaced as-is.
type ProviderError struct {
	Platform    Platform
	Operation   string
	StatusCode  int
	Transient   bool
	RateLimited bool
	AuthFailure bool
	Message     string
	Cause       error
}

func (e *ProviderError) Error() string {
	message := strings.TrimSpace(e.Message)
	if message == "" && e.Cause != nil {
		message = e.Cause.Error()
	}
	if message == "" {
		message = "request failed"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failed (%d): %s", strings.ToLower(string(e.Platform)), e.Operation, e.StatusCode, message)
	}
	return fmt.Sprintf("%s %s failed: %s", strings.ToLower(string(e.Platform)), e.Operation, message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

func (e *ProviderError) ToServiceError() *goerrors.Error {
	category := goerrors.CategoryBadInput
	textCode := ServiceErrorProviderPermanent
	code := http.StatusBadGateway
	switch {
	case e.RateLimited:
		category = goerrors.CategoryRateLimit
		textCode = ServiceErrorRateLimited
		code = http.StatusTooManyRequests
	case e.Transient:
		category = goerrors.CategoryExternal
		textCode = ServiceErrorProviderTransient
	case e.AuthFailure:
		category = goerrors.CategoryAuthz
	}
	return goerrors.Wrap(e, category, e.Error()).
		WithCode(code).
		WithTextCode(textCode).
		WithMetadata(map[string]any{
			"platform":    string(e.Platform),
			"operation":   e.Operation,
			"status_code": e.StatusCode,
		})
}

func NewTransientProviderError(platform Platform, operation string, statusCode int, message string, cause error) error {
	return &ProviderError{
		Platform:   platform,
		Operation:  operation,
		StatusCode: statusCode,
		Transient:  true,
		Message:    message,
		Cause:      cause,
	}
}

func NewPermanentProviderError(platform Platform, operation string, statusCode int, message string, cause error) error {
	return &ProviderError{
		Platform:    platform,
		Operation:   operation,
		StatusCode:  statusCode,
		AuthFailure: statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden,
		Message:     message,
		Cause:       cause,
	}
}

func IsNotFound(err error) bool {
	var typed *NotFoundError
	return errors.As(err, &typed) || hasTextCode(err, ServiceErrorNotFound)
}

func IsQuotaExceeded(err error) bool {
	var typed *QuotaExceededError
	return errors.As(err, &typed) || hasTextCode(err, ServiceErrorQuotaExceeded)
}

// IsReauthenticationRequired also matches decryption failures, since an
// unreadable credential is just as unusable.
func IsReauthenticationRequired(err error) bool {
	var typed *ReauthenticationRequiredError
	if errors.As(err, &typed) {
		return true
	}
	return hasTextCode(err, ServiceErrorReauthRequired) || hasTextCode(err, ServiceErrorDecryptionFailure)
}

func IsDecryptionFailure(err error) bool {
	var typed *ReauthenticationRequiredError
	if errors.As(err, &typed) {
		return typed.Decryption
	}
	return hasTextCode(err, ServiceErrorDecryptionFailure)
}

func IsTransientProviderError(err error) bool {
	var typed *ProviderError
	if errors.As(err, &typed) {
		return typed.Transient || typed.RateLimited
	}
	return hasTextCode(err, ServiceErrorProviderTransient) || hasTextCode(err, ServiceErrorRateLimited)
}

func IsPermanentProviderError(err error) bool {
	var typed *ProviderError
	if errors.As(err, &typed) {
		return !typed.Transient && !typed.RateLimited
	}
	return hasTextCode(err, ServiceErrorProviderPermanent)
}

// IsTokenRejected reports a platform refusing the access token itself, as
// opposed to a permission problem on the requested object.
func IsTokenRejected(err error) bool {
	var typed *ProviderError
	return errors.As(err, &typed) && typed.AuthFailure && typed.StatusCode == http.StatusUnauthorized
}

func NewTokenRejectedError(platform Platform, operation string, message string, cause error) error {
	return &ProviderError{
		Platform:    platform,
		Operation:   operation,
		StatusCode:  http.StatusUnauthorized,
		AuthFailure: true,
		Message:     message,
		Cause:       cause,
	}
}

func NewRateLimitedError(platform Platform, operation string, statusCode int, message string, cause error) error {
	return &ProviderError{
		Platform:    platform,
		Operation:   operation,
		StatusCode:  statusCode,
		Transient:   true,
		RateLimited: true,
		Message:     message,
		Cause:       cause,
	}
}

// IsRetryableError classifies failures for the retrying fetcher. Only
// transient provider failures and rate limits are retried; reauth, quota,
// not found and permanent rejections pass straight through. Unclassified
// errors keep the retry-everything default.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsTransientProviderError(err) {
		return true
	}
	if IsReauthenticationRequired(err) || IsPermanentProviderError(err) || IsQuotaExceeded(err) || IsNotFound(err) {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		switch richErr.Category {
		case goerrors.CategoryExternal, goerrors.CategoryRateLimit, goerrors.CategoryInternal:
			return true
		default:
			return false
		}
	}
	return true
}

// ErrorCode returns the service text code carried by err.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var converter ServiceErrorConverter
	if errors.As(err, &converter) {
		if mapped := converter.ToServiceError(); mapped != nil && mapped.TextCode != "" {
			return mapped.TextCode
		}
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && strings.TrimSpace(richErr.TextCode) != "" {
		return richErr.TextCode
	}
	return ServiceErrorInternal
}

func hasTextCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return strings.EqualFold(strings.TrimSpace(richErr.TextCode), code)
	}
	return false
}

func serviceErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var converter ServiceErrorConverter
	if errors.As(err, &converter) {
		if mapped := converter.ToServiceError(); mapped != nil {
			return ensureServiceErrorEnvelope(mapped)
		}
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureServiceErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "oauth state"):
		return newServiceError(err.Error(), goerrors.CategoryAuth, ServiceErrorOAuthStateInvalid)
	case strings.Contains(msg, "lock already held"), strings.Contains(msg, "refresh lock"):
		return newServiceError(err.Error(), goerrors.CategoryConflict, ServiceErrorRefreshLocked)
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		// Wrapped so callers can still read the retry hint.
		return ensureServiceErrorEnvelope(
			goerrors.Wrap(err, goerrors.CategoryRateLimit, err.Error()).
				WithTextCode(ServiceErrorRateLimited),
		)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "mismatch"):
		return newServiceError(err.Error(), goerrors.CategoryBadInput, ServiceErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureServiceErrorEnvelope(mapped)
}

func newServiceError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureServiceErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = serviceHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultServiceTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultServiceTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ServiceErrorBadInput
	case goerrors.CategoryNotFound:
		return ServiceErrorNotFound
	case goerrors.CategoryAuth:
		return ServiceErrorUnauthorized
	case goerrors.CategoryAuthz:
		return ServiceErrorForbidden
	case goerrors.CategoryConflict:
		return ServiceErrorRefreshLocked
	case goerrors.CategoryRateLimit:
		return ServiceErrorRateLimited
	case goerrors.CategoryExternal:
		return ServiceErrorProviderTransient
	default:
		return ServiceErrorInternal
	}
}

func serviceHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
