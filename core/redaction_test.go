package core

import (
	"context"
	"testing"
)

func TestRedactSensitiveMap(t *testing.T) {
	redacted := RedactSensitiveMap(map[string]any{
		"connection_id": "c1",
		"token_state":   "EXPIRED",
		"access_token":  "EAAB",
		"headers":       map[string]string{"Authorization": "Bearer x", "Accept": "application/json"},
		"grants":        []any{map[string]any{"refresh_token": "r"}},
		"code":          "auth-code",
	})
	if redacted["connection_id"] != "c1" || redacted["token_state"] != "EXPIRED" {
		t.Fatalf("expected traceability keys to survive, got %+v", redacted)
	}
	if redacted["access_token"] != RedactedValue || redacted["code"] != RedactedValue {
		t.Fatalf("expected secrets to be redacted, got %+v", redacted)
	}
	headers := redacted["headers"].(map[string]any)
	if headers["Authorization"] != RedactedValue || headers["Accept"] != "application/json" {
		t.Fatalf("unexpected headers: %+v", headers)
	}
	nested := redacted["grants"].([]any)[0].(map[string]any)
	if nested["refresh_token"] != RedactedValue {
		t.Fatalf("expected nested redaction, got %+v", nested)
	}
}

func TestLogWithLevel_RedactsFields(t *testing.T) {
	logger := newCaptureLogger()
	logWithLevel(context.Background(), logger, "info", "token exchanged", map[string]any{
		"connection_id": "c1",
		"refresh_token": "secret-refresh",
	})
	record, ok := logger.find("token exchanged")
	if !ok {
		t.Fatalf("expected record")
	}
	if record.fields["refresh_token"] != RedactedValue || record.fields["connection_id"] != "c1" {
		t.Fatalf("unexpected fields: %+v", record.fields)
	}
}
