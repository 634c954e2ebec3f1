package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-adsconnect/core"
	"github.com/goliatone/go-adsconnect/ratelimit"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

// JobIDCollect warms the metric cache for one connection and date range.
const JobIDCollect = "adsconnect.collect"

const (
	ParamUserID       = "user_id"
	ParamConnectionID = "connection_id"
	ParamSince        = "since"
	ParamUntil        = "until"
	ParamScope        = "scope"
	ParamObjectID     = "object_id"
)

// RetryPolicy defines queue retry bounds to avoid unbounded retry loops.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		BaseDelay:       30 * time.Second,
		MaxDelay:        15 * time.Minute,
		DeadLetterOnMax: true,
	}
}

// NackFor decides what happens to a delivery whose attempt failed with err.
// Failures that retrying cannot fix go straight to the dead letter queue.
// Throttled calls wait at least as long as the platform asked.
func (p RetryPolicy) NackFor(err error, attempt int) queue.NackOptions {
	out := queue.NackOptions{Reason: nackReason(err)}
	if !core.IsRetryableError(err) {
		out.DeadLetter = true
		return out
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.DeadLetter = p.DeadLetterOnMax
		return out
	}

	out.Requeue = true
	out.Delay = p.backoff(attempt)
	var throttled ratelimit.ThrottledError
	if errors.As(err, &throttled) && throttled.RetryAfter > out.Delay {
		out.Delay = throttled.RetryAfter
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	return out
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

func nackReason(err error) string {
	if err == nil {
		return ""
	}
	if code := core.ErrorCode(err); code != "" {
		return code
	}
	return strings.TrimSpace(err.Error())
}

// NewCollectMessage builds the go-job message for a warm-up collection.
// The idempotency key collapses repeated requests for the same window.
func NewCollectMessage(req core.CollectRequest) (*job.ExecutionMessage, error) {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.ConnectionID) == "" {
		return nil, fmt.Errorf("gojob: user id and connection id are required")
	}
	if err := req.DateRange.Validate(); err != nil {
		return nil, err
	}
	since, until := req.DateRange.SinceString(), req.DateRange.UntilString()
	params := map[string]any{
		ParamUserID:       req.UserID,
		ParamConnectionID: req.ConnectionID,
		ParamSince:        since,
		ParamUntil:        until,
	}
	key := strings.Join([]string{JobIDCollect, req.ConnectionID, since, until}, ":")
	if req.Scope != "" {
		params[ParamScope] = string(req.Scope)
		key += ":" + string(req.Scope)
	}
	if req.ObjectID != "" {
		params[ParamObjectID] = req.ObjectID
		key += ":" + req.ObjectID
	}
	return &job.ExecutionMessage{
		JobID:          JobIDCollect,
		ScriptPath:     JobIDCollect,
		Parameters:     params,
		IdempotencyKey: key,
		DedupPolicy:    job.DeduplicationPolicy("drop"),
	}, nil
}

// CollectRequestFromMessage reads the parameters written by NewCollectMessage.
func CollectRequestFromMessage(msg *job.ExecutionMessage) (core.CollectRequest, error) {
	if msg == nil {
		return core.CollectRequest{}, fmt.Errorf("gojob: execution message is required")
	}
	if jobID := strings.TrimSpace(msg.JobID); jobID != JobIDCollect {
		return core.CollectRequest{}, fmt.Errorf("gojob: unexpected job id %q", jobID)
	}
	req := core.CollectRequest{
		UserID:       stringParam(msg.Parameters, ParamUserID),
		ConnectionID: stringParam(msg.Parameters, ParamConnectionID),
		Scope:        core.ObjectScope(stringParam(msg.Parameters, ParamScope)),
		ObjectID:     stringParam(msg.Parameters, ParamObjectID),
	}
	if req.UserID == "" || req.ConnectionID == "" {
		return core.CollectRequest{}, fmt.Errorf("gojob: %s and %s parameters are required", ParamUserID, ParamConnectionID)
	}
	dateRange, err := core.NewDateRange(stringParam(msg.Parameters, ParamSince), stringParam(msg.Parameters, ParamUntil))
	if err != nil {
		return core.CollectRequest{}, err
	}
	req.DateRange = dateRange
	return req, nil
}

func stringParam(params map[string]any, key string) string {
	value, ok := params[key]
	if !ok || value == nil {
		return ""
	}
	if text, ok := value.(string); ok {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

type EnqueuerAdapter struct {
	enqueuer queue.Enqueuer
}

func NewEnqueuerAdapter(enqueuer queue.Enqueuer) *EnqueuerAdapter {
	return &EnqueuerAdapter{enqueuer: enqueuer}
}

// EnqueueCollect schedules a warm-up collection.
func (a *EnqueuerAdapter) EnqueueCollect(ctx context.Context, req core.CollectRequest) error {
	if a == nil || a.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	msg, err := NewCollectMessage(req)
	if err != nil {
		return err
	}
	return a.enqueuer.Enqueue(ctx, msg)
}

// Collector is the slice of core.Service the job handler drives.
type Collector interface {
	Collect(ctx context.Context, req core.CollectRequest) (core.AccountData, error)
}

type CollectHandler struct {
	collector Collector
	policy    RetryPolicy
	logger    core.Logger
}

func NewCollectHandler(collector Collector, policy RetryPolicy, logger core.Logger) *CollectHandler {
	return &CollectHandler{collector: collector, policy: policy, logger: logger}
}

// Handle runs one delivery and settles it. Malformed messages are dead
// lettered without calling the service. The collect error is returned so
// worker hooks see the failure.
func (h *CollectHandler) Handle(ctx context.Context, delivery queue.Delivery, attempt int) error {
	if h == nil || h.collector == nil {
		return fmt.Errorf("gojob: collect handler is not configured")
	}
	if delivery == nil {
		return fmt.Errorf("gojob: delivery is required")
	}
	req, err := CollectRequestFromMessage(delivery.Message())
	if err != nil {
		if nackErr := delivery.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: err.Error()}); nackErr != nil {
			return errors.Join(err, nackErr)
		}
		return err
	}

	data, err := h.collector.Collect(ctx, req)
	if err != nil {
		opts := h.policy.NackFor(err, attempt)
		h.log("warn", "collect job failed",
			"connection_id", req.ConnectionID,
			"attempt", attempt,
			"requeue", opts.Requeue,
			"dead_letter", opts.DeadLetter,
			"error_code", core.ErrorCode(err),
		)
		if nackErr := delivery.Nack(ctx, opts); nackErr != nil {
			return errors.Join(err, nackErr)
		}
		return err
	}
	h.log("debug", "collect job succeeded",
		"connection_id", req.ConnectionID,
		"from_cache", data.FromCache,
	)
	return delivery.Ack(ctx)
}

func (h *CollectHandler) log(level string, msg string, args ...any) {
	if h.logger == nil {
		return
	}
	switch level {
	case "warn":
		h.logger.Warn(msg, args...)
	default:
		h.logger.Debug(msg, args...)
	}
}

// DequeueAndHandle pulls one delivery and runs it through the handler.
func (h *CollectHandler) DequeueAndHandle(ctx context.Context, dequeuer queue.Dequeuer, attempt int) error {
	if dequeuer == nil {
		return fmt.Errorf("gojob: dequeuer is not configured")
	}
	delivery, err := dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	return h.Handle(ctx, delivery, attempt)
}

// MetricsHook reports worker lifecycle events as service counters.
type MetricsHook struct {
	recorder core.MetricsRecorder
}

func NewMetricsHook(recorder core.MetricsRecorder) *MetricsHook {
	if recorder == nil {
		recorder = core.NopMetricsRecorder{}
	}
	return &MetricsHook{recorder: recorder}
}

func (h *MetricsHook) OnStart(ctx context.Context, event worker.Event) {
	h.record(ctx, "start", event)
}

func (h *MetricsHook) OnSuccess(ctx context.Context, event worker.Event) {
	h.record(ctx, "success", event)
	h.observe(ctx, event)
}

func (h *MetricsHook) OnFailure(ctx context.Context, event worker.Event) {
	h.record(ctx, "failure", event)
	h.observe(ctx, event)
}

func (h *MetricsHook) OnRetry(ctx context.Context, event worker.Event) {
	h.record(ctx, "retry", event)
}

func (h *MetricsHook) record(ctx context.Context, phase string, event worker.Event) {
	if h == nil || h.recorder == nil {
		return
	}
	h.recorder.IncCounter(ctx, "adsconnect.job."+phase+".total", 1, eventTags(event))
}

func (h *MetricsHook) observe(ctx context.Context, event worker.Event) {
	if h == nil || h.recorder == nil || event.Duration <= 0 {
		return
	}
	h.recorder.ObserveHistogram(ctx, "adsconnect.job.duration_ms", float64(event.Duration.Milliseconds()), eventTags(event))
}

func eventTags(event worker.Event) map[string]string {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	tags := map[string]string{"operation": "job"}
	if message != nil {
		tags["operation"] = strings.TrimSpace(message.JobID)
	}
	if event.Err != nil {
		tags["error_code"] = core.ErrorCode(event.Err)
	}
	return tags
}

var _ worker.Hook = (*MetricsHook)(nil)
