package gojob

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-adsconnect/core"
	"github.com/goliatone/go-adsconnect/ratelimit"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

func mustRange(t *testing.T, since, until string) core.DateRange {
	t.Helper()
	dateRange, err := core.NewDateRange(since, until)
	if err != nil {
		t.Fatalf("date range: %v", err)
	}
	return dateRange
}

func TestCollectMessageMapping(t *testing.T) {
	req := core.CollectRequest{
		UserID:       "user_1",
		ConnectionID: "conn_1",
		DateRange:    mustRange(t, "2024-03-01", "2024-03-07"),
		Scope:        core.ScopeCampaign,
		ObjectID:     "cmp_9",
	}
	msg, err := NewCollectMessage(req)
	if err != nil {
		t.Fatalf("new collect message: %v", err)
	}
	if msg.JobID != JobIDCollect {
		t.Fatalf("expected job id %q, got %q", JobIDCollect, msg.JobID)
	}
	if msg.IdempotencyKey != "adsconnect.collect:conn_1:2024-03-01:2024-03-07:CAMPAIGN:cmp_9" {
		t.Fatalf("unexpected idempotency key %q", msg.IdempotencyKey)
	}

	parsed, err := CollectRequestFromMessage(msg)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.UserID != "user_1" || parsed.ConnectionID != "conn_1" || parsed.ObjectID != "cmp_9" {
		t.Fatalf("unexpected request: %+v", parsed)
	}
	if parsed.DateRange.String() != "2024-03-01..2024-03-07" {
		t.Fatalf("unexpected range %s", parsed.DateRange)
	}
}

func TestCollectRequestFromMessage_Rejects(t *testing.T) {
	cases := map[string]*job.ExecutionMessage{
		"nil":         nil,
		"wrong job":   {JobID: "other", Parameters: map[string]any{ParamUserID: "u", ParamConnectionID: "c", ParamSince: "2024-01-01", ParamUntil: "2024-01-01"}},
		"no user":     {JobID: JobIDCollect, Parameters: map[string]any{ParamConnectionID: "c", ParamSince: "2024-01-01", ParamUntil: "2024-01-01"}},
		"bad range":   {JobID: JobIDCollect, Parameters: map[string]any{ParamUserID: "u", ParamConnectionID: "c", ParamSince: "2024-02-01", ParamUntil: "2024-01-01"}},
		"missing day": {JobID: JobIDCollect, Parameters: map[string]any{ParamUserID: "u", ParamConnectionID: "c"}},
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := CollectRequestFromMessage(msg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestRetryPolicy_NackFor(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, DeadLetterOnMax: true}

	permanent := policy.NackFor(core.NewReauthenticationRequiredError(core.PlatformGoogle, "conn_1", "", nil), 1)
	if permanent.Requeue || !permanent.DeadLetter {
		t.Fatalf("expected reauth failure to dead letter, got %+v", permanent)
	}
	if permanent.Reason != core.ServiceErrorReauthRequired {
		t.Fatalf("expected error code reason, got %q", permanent.Reason)
	}

	transient := core.NewTransientProviderError(core.PlatformGoogle, "search", 503, "down", nil)
	first := policy.NackFor(transient, 1)
	if !first.Requeue || first.DeadLetter || first.Delay != time.Second {
		t.Fatalf("unexpected first nack: %+v", first)
	}
	second := policy.NackFor(transient, 2)
	if second.Delay != 2*time.Second {
		t.Fatalf("expected doubled delay, got %s", second.Delay)
	}
	last := policy.NackFor(transient, 3)
	if last.Requeue || !last.DeadLetter {
		t.Fatalf("expected dead letter at max attempts, got %+v", last)
	}

	throttled := policy.NackFor(ratelimit.ThrottledError{Platform: core.PlatformTikTok, AccountID: "adv", BucketKey: "report", RetryAfter: 7 * time.Second}, 1)
	if !throttled.Requeue || throttled.Delay != 7*time.Second {
		t.Fatalf("expected retry-after to extend the delay, got %+v", throttled)
	}
	capped := policy.NackFor(ratelimit.ThrottledError{Platform: core.PlatformTikTok, RetryAfter: time.Hour}, 1)
	if capped.Delay != 10*time.Second {
		t.Fatalf("expected delay capped at max, got %s", capped.Delay)
	}
}

type stubCollector struct {
	calls int
	err   error
	last  core.CollectRequest
}

func (s *stubCollector) Collect(_ context.Context, req core.CollectRequest) (core.AccountData, error) {
	s.calls++
	s.last = req
	if s.err != nil {
		return core.AccountData{}, s.err
	}
	return core.AccountData{ConnectionID: req.ConnectionID, FromCache: true}, nil
}

func collectDelivery(t *testing.T) *stubQueueDelivery {
	t.Helper()
	msg, err := NewCollectMessage(core.CollectRequest{
		UserID:       "user_1",
		ConnectionID: "conn_1",
		DateRange:    mustRange(t, "2024-03-01", "2024-03-02"),
	})
	if err != nil {
		t.Fatalf("new collect message: %v", err)
	}
	return &stubQueueDelivery{msg: msg}
}

func TestCollectHandler_AcksOnSuccess(t *testing.T) {
	collector := &stubCollector{}
	handler := NewCollectHandler(collector, DefaultRetryPolicy(), nil)
	delivery := collectDelivery(t)

	if err := handler.Handle(context.Background(), delivery, 1); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !delivery.acked || delivery.nacked {
		t.Fatalf("expected ack, got acked=%v nacked=%v", delivery.acked, delivery.nacked)
	}
	if collector.last.ConnectionID != "conn_1" || collector.last.UserID != "user_1" {
		t.Fatalf("unexpected collect request: %+v", collector.last)
	}
}

func TestCollectHandler_NacksRetryableFailure(t *testing.T) {
	collector := &stubCollector{err: core.NewRateLimitedError(core.PlatformFacebook, "insights", 429, "slow down", nil)}
	handler := NewCollectHandler(collector, DefaultRetryPolicy(), nil)
	delivery := collectDelivery(t)

	if err := handler.Handle(context.Background(), delivery, 1); err == nil {
		t.Fatalf("expected collect error to be returned")
	}
	if delivery.acked || !delivery.nackOpts.Requeue || delivery.nackOpts.DeadLetter {
		t.Fatalf("expected requeue, got %+v", delivery.nackOpts)
	}
}

func TestCollectHandler_DeadLettersMalformedMessage(t *testing.T) {
	collector := &stubCollector{}
	handler := NewCollectHandler(collector, DefaultRetryPolicy(), nil)
	delivery := &stubQueueDelivery{msg: &job.ExecutionMessage{JobID: JobIDCollect}}

	if err := handler.Handle(context.Background(), delivery, 1); err == nil {
		t.Fatalf("expected parse error")
	}
	if collector.calls != 0 {
		t.Fatalf("expected service not to be called")
	}
	if !delivery.nackOpts.DeadLetter || delivery.nackOpts.Requeue {
		t.Fatalf("expected dead letter, got %+v", delivery.nackOpts)
	}
}

func TestEnqueueAndDequeueCollect(t *testing.T) {
	ctx := context.Background()
	enqueuer := &stubQueueEnqueuer{}
	if err := NewEnqueuerAdapter(enqueuer).EnqueueCollect(ctx, core.CollectRequest{
		UserID:       "user_1",
		ConnectionID: "conn_1",
		DateRange:    mustRange(t, "2024-03-01", "2024-03-01"),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if enqueuer.last == nil || enqueuer.last.JobID != JobIDCollect {
		t.Fatalf("expected collect message to be enqueued")
	}
	if err := NewEnqueuerAdapter(enqueuer).EnqueueCollect(ctx, core.CollectRequest{UserID: "user_1"}); err == nil {
		t.Fatalf("expected incomplete request to fail")
	}

	collector := &stubCollector{}
	delivery := &stubQueueDelivery{msg: enqueuer.last}
	handler := NewCollectHandler(collector, DefaultRetryPolicy(), nil)
	if err := handler.DequeueAndHandle(ctx, &stubQueueDequeuer{delivery: delivery}, 1); err != nil {
		t.Fatalf("dequeue and handle: %v", err)
	}
	if !delivery.acked || collector.calls != 1 {
		t.Fatalf("expected delivery to be handled once")
	}
}

type capturedMetric struct {
	name string
	tags map[string]string
}

type captureRecorder struct {
	counters   []capturedMetric
	histograms []capturedMetric
}

func (r *captureRecorder) IncCounter(_ context.Context, name string, _ int64, tags map[string]string) {
	r.counters = append(r.counters, capturedMetric{name: name, tags: tags})
}

func (r *captureRecorder) ObserveHistogram(_ context.Context, name string, _ float64, tags map[string]string) {
	r.histograms = append(r.histograms, capturedMetric{name: name, tags: tags})
}

func TestMetricsHook_RecordsWorkerEvents(t *testing.T) {
	recorder := &captureRecorder{}
	hook := NewMetricsHook(recorder)
	evt := worker.Event{
		Message:  &job.ExecutionMessage{JobID: JobIDCollect},
		Attempt:  2,
		Err:      errors.New("boom"),
		Duration: 250 * time.Millisecond,
	}

	hook.OnRetry(context.Background(), evt)
	hook.OnFailure(context.Background(), evt)

	if len(recorder.counters) != 2 {
		t.Fatalf("expected two counters, got %d", len(recorder.counters))
	}
	if recorder.counters[0].name != "adsconnect.job.retry.total" || recorder.counters[0].tags["operation"] != JobIDCollect {
		t.Fatalf("unexpected retry counter: %+v", recorder.counters[0])
	}
	if recorder.counters[1].tags["error_code"] == "" {
		t.Fatalf("expected error code tag on failure")
	}
	if len(recorder.histograms) != 1 || recorder.histograms[0].name != "adsconnect.job.duration_ms" {
		t.Fatalf("expected failure duration to be observed, got %+v", recorder.histograms)
	}
}

type stubQueueEnqueuer struct {
	last *job.ExecutionMessage
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	s.last = msg
	return nil
}

type stubQueueDequeuer struct {
	delivery queue.Delivery
}

func (s *stubQueueDequeuer) Dequeue(context.Context) (queue.Delivery, error) {
	return s.delivery, nil
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nacked   bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nacked = true
	s.nackOpts = opts
	return nil
}
