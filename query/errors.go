package query

import (
	"net/http"
	"strings"

	"github.com/goliatone/go-adsconnect/core"
	goerrors "github.com/goliatone/go-errors"
)

type typed interface {
	Type() string
}

// missingDependency reports a query built without the reader it needs.
func missingDependency(msg typed, dependency string) error {
	return goerrors.New("query: "+msg.Type()+" needs a "+dependency, goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(core.ServiceErrorInternal).
		WithMetadata(map[string]any{"query": msg.Type(), "dependency": dependency})
}

// invalid rejects a query on its first bad field. The offending value is
// echoed back unless it is empty.
func invalid(msg typed, field string, message string, value any) error {
	failure := goerrors.FieldError{Field: field, Message: message}
	if text, ok := value.(string); !ok || strings.TrimSpace(text) != "" {
		failure.Value = value
	}
	return goerrors.NewValidation("query: "+msg.Type()+" is invalid", failure).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ServiceErrorBadInput).
		WithSeverity(goerrors.SeverityError)
}

func requireID(msg typed, field string, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalid(msg, field, "is required", nil)
	}
	return nil
}

func requirePlatform(msg typed, platform core.Platform) error {
	if platform.Valid() {
		return nil
	}
	names := make([]string, 0, len(core.Platforms()))
	for _, known := range core.Platforms() {
		names = append(names, string(known))
	}
	return invalid(msg, "platform", "must be one of "+strings.Join(names, ", "), string(platform))
}
