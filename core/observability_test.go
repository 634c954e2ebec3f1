package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type capturedCounter struct {
	name  string
	value int64
	tags  map[string]string
}

type captureMetricsRecorder struct {
	mu         sync.Mutex
	counters   []capturedCounter
	histograms []string
}

func (m *captureMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, capturedCounter{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) ObserveHistogram(_ context.Context, name string, _ float64, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms = append(m.histograms, name)
}

type capturedLog struct {
	level  string
	msg    string
	fields map[string]any
}

type captureLogger struct {
	mu       *sync.Mutex
	records  *[]capturedLog
	defaults map[string]any
}

func newCaptureLogger() *captureLogger {
	records := []capturedLog{}
	return &captureLogger{mu: &sync.Mutex{}, records: &records, defaults: map[string]any{}}
}

func (l *captureLogger) WithFields(fields map[string]any) Logger {
	merged := cloneFields(l.defaults)
	for key, value := range fields {
		merged[key] = value
	}
	return &captureLogger{mu: l.mu, records: l.records, defaults: merged}
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }

func (l *captureLogger) WithContext(context.Context) Logger {
	return &captureLogger{mu: l.mu, records: l.records, defaults: cloneFields(l.defaults)}
}

func (l *captureLogger) record(level string, msg string, args ...any) {
	fields := cloneFields(l.defaults)
	for index := 0; index+1 < len(args); index += 2 {
		fields[fmt.Sprint(args[index])] = args[index+1]
	}
	l.mu.Lock()
	*l.records = append(*l.records, capturedLog{level: level, msg: msg, fields: fields})
	l.mu.Unlock()
}

func (l *captureLogger) find(msg string) (capturedLog, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, record := range *l.records {
		if record.msg == msg {
			return record, true
		}
	}
	return capturedLog{}, false
}

func TestService_ObserveOperationRecordsFailure(t *testing.T) {
	logger := newCaptureLogger()
	recorder := &captureMetricsRecorder{}
	h := newTestHarness(t, WithLogger(logger), WithLoggerProvider(nil), WithMetricsRecorder(recorder))

	_, _ = h.service.GetConnection(context.Background(), "user_1", "missing")
	_ = h.service.Disconnect(context.Background(), "user_1", "missing")

	record, ok := logger.find("disconnect failed")
	if !ok {
		t.Fatalf("expected failure log")
	}
	if record.level != "error" || record.fields["connection_id"] != "missing" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.fields["error_code"] != ServiceErrorNotFound {
		t.Fatalf("expected error code field, got %+v", record.fields["error_code"])
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	found := false
	for _, counter := range recorder.counters {
		if counter.name == "adsconnect.disconnect.total" {
			found = true
			if counter.tags["status"] != "failure" {
				t.Fatalf("expected failure tag, got %+v", counter.tags)
			}
		}
	}
	if !found {
		t.Fatalf("expected disconnect counter, got %+v", recorder.counters)
	}
}

func TestService_ObserveOperationLogsSuccessAtDebug(t *testing.T) {
	logger := newCaptureLogger()
	h := newTestHarness(t, WithLogger(logger), WithLoggerProvider(nil))
	conn := h.store.put(Connection{UserID: "user_1", Platform: PlatformGoogle, AccountID: "g", AccessToken: "t", ExpiresAt: timePtr(time.Now().Add(time.Hour))})

	if _, err := h.service.Collect(context.Background(), CollectRequest{
		UserID: "user_1", ConnectionID: conn.ID, DateRange: mustDateRange(t, "2024-01-01", "2024-01-01"),
	}); err != nil {
		t.Fatalf("collect: %v", err)
	}
	record, ok := logger.find("collect succeeded")
	if !ok || record.level != "debug" {
		t.Fatalf("expected debug success log, got %+v", record)
	}
	if record.fields["platform"] != "GOOGLE" || record.fields["from_cache"] != false {
		t.Fatalf("unexpected fields: %+v", record.fields)
	}
}

func TestFlattenFieldsSortsKeys(t *testing.T) {
	args := flattenFields(map[string]any{"b": 2, "a": 1})
	if len(args) != 4 || args[0] != "a" || args[2] != "b" {
		t.Fatalf("unexpected args: %v", args)
	}
}
