package command

import (
	"net/http"
	"strings"

	"github.com/goliatone/go-adsconnect/core"
	goerrors "github.com/goliatone/go-errors"
)

// missingService reports a handler built without the service it delegates to.
func missingService(handler string) error {
	return goerrors.New("command: "+handler+" handler has no service", goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(core.ServiceErrorInternal).
		WithMetadata(map[string]any{"handler": handler})
}

// checks accumulates field failures for one message so a caller sees every
// missing field in a single response.
type checks struct {
	messageType string
	failures    []goerrors.FieldError
}

func validate(messageType string) *checks {
	return &checks{messageType: messageType}
}

func (c *checks) require(field string, value string) *checks {
	if strings.TrimSpace(value) == "" {
		c.fail(field, "is required")
	}
	return c
}

func (c *checks) platform(platform core.Platform) *checks {
	if !platform.Valid() {
		c.fail("platform", "must be one of "+platformNames())
	}
	return c
}

func (c *checks) fail(field string, message string) {
	c.failures = append(c.failures, goerrors.FieldError{Field: field, Message: message})
}

func (c *checks) err() error {
	if len(c.failures) == 0 {
		return nil
	}
	return goerrors.NewValidation("command: "+c.messageType+" is invalid", c.failures...).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ServiceErrorBadInput).
		WithSeverity(goerrors.SeverityError).
		WithMetadata(map[string]any{"message_type": c.messageType})
}

func platformNames() string {
	names := make([]string, 0, len(core.Platforms()))
	for _, platform := range core.Platforms() {
		names = append(names, string(platform))
	}
	return strings.Join(names, ", ")
}
