package gocommand

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	adscommand "github.com/goliatone/go-adsconnect/command"
	"github.com/goliatone/go-adsconnect/core"
	adsquery "github.com/goliatone/go-adsconnect/query"
	"github.com/goliatone/go-command"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

type okMessage struct{}

func (okMessage) Type() string { return "adsconnect.test.ok" }

type invalidMessage struct{}

func (invalidMessage) Type() string { return "" }

type failingMessage struct{}

func (failingMessage) Type() string { return "adsconnect.test.fail" }

func (failingMessage) Validate() error { return errors.New("invalid payload") }

type dispatchMessage struct {
	ID string
}

func (dispatchMessage) Type() string { return "adsconnect.test.dispatch" }

type queueMessage struct{}

func (queueMessage) Type() string { return "adsconnect.test.queue" }

func TestValidateMessageContract(t *testing.T) {
	if err := ValidateMessageContract(okMessage{}); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}
	if err := ValidateMessageContract(invalidMessage{}); err == nil {
		t.Fatalf("expected empty type to fail contract validation")
	}
	if err := ValidateMessageContract(failingMessage{}); err == nil {
		t.Fatalf("expected Validate() failure to bubble")
	}
}

func TestRegistryAndDispatchWiring(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	executed := 0
	customResolverCalled := 0

	cmd := command.CommandFunc[dispatchMessage](func(context.Context, dispatchMessage) error {
		executed++
		return nil
	})

	if _, err := RegisterAndSubscribe(adapter, cmd); err != nil {
		t.Fatalf("register and subscribe: %v", err)
	}
	if err := adapter.AddResolver("custom", func(any, command.CommandMeta, *command.Registry) error {
		customResolverCalled++
		return nil
	}); err != nil {
		t.Fatalf("add resolver: %v", err)
	}
	if !adapter.HasResolver("custom") {
		t.Fatalf("expected custom resolver to be registered")
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}
	if customResolverCalled == 0 {
		t.Fatalf("expected resolver hook to run during initialization")
	}

	if err := Dispatch(context.Background(), dispatchMessage{ID: "m1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if executed != 1 {
		t.Fatalf("expected command execution count=1, got %d", executed)
	}
}

func TestQueueResolverHookWiring(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	queueRegistry := jobqueuecommand.NewRegistry()

	cmd := command.CommandFunc[queueMessage](func(context.Context, queueMessage) error { return nil })

	if err := adapter.AddQueueResolver("queue", queueRegistry); err != nil {
		t.Fatalf("add queue resolver: %v", err)
	}
	if err := adapter.RegisterCommand(cmd); err != nil {
		t.Fatalf("register command: %v", err)
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}

	if _, ok := queueRegistry.Get("adsconnect.test.queue"); !ok {
		t.Fatalf("expected command to be mirrored into queue registry")
	}
}

type recordingService struct {
	mu            sync.Mutex
	disconnected  []string
	limitRequests []core.Platform
}

func (s *recordingService) Connect(_ context.Context, in core.CreateConnectionInput) (core.Connection, error) {
	return core.Connection{ID: "conn_new", UserID: in.UserID, Platform: in.Platform, AccountID: in.AccountID}, nil
}

func (s *recordingService) Disconnect(_ context.Context, _ string, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = append(s.disconnected, connectionID)
	return nil
}

func (s *recordingService) BeginOAuth(context.Context, core.BeginOAuthRequest) (core.BeginOAuthResponse, error) {
	return core.BeginOAuthResponse{URL: "https://auth.example.test", State: "state_1"}, nil
}

func (s *recordingService) CompleteOAuth(context.Context, core.CompleteOAuthRequest) (core.CompleteOAuthResponse, error) {
	return core.CompleteOAuthResponse{}, nil
}

func (s *recordingService) ConnectPending(context.Context, core.ConnectPendingRequest) (core.Connection, error) {
	return core.Connection{ID: "conn_pending"}, nil
}

func (s *recordingService) InvalidateAccount(context.Context, string, string, string) (int, error) {
	return 3, nil
}

func (s *recordingService) Collect(_ context.Context, req core.CollectRequest) (core.AccountData, error) {
	return core.AccountData{ConnectionID: req.ConnectionID, FetchedAt: time.Now()}, nil
}

func (s *recordingService) CollectMany(context.Context, string, []string, core.DateRange) core.BatchResult {
	return core.BatchResult{}
}

func (s *recordingService) ListConnections(context.Context, string, *core.Platform) ([]core.Connection, error) {
	return nil, nil
}

func (s *recordingService) GetConnection(_ context.Context, _ string, connectionID string) (core.Connection, error) {
	return core.Connection{ID: connectionID}, nil
}

func (s *recordingService) ConnectionLimits(_ context.Context, _ string, platform core.Platform) (core.ConnectionLimits, error) {
	s.mu.Lock()
	s.limitRequests = append(s.limitRequests, platform)
	s.mu.Unlock()
	return core.ConnectionLimits{Current: 1, Max: 3, Profile: core.PlanBasic, Remaining: 2}, nil
}

func (s *recordingService) ListCampaigns(context.Context, string, string) ([]core.Campaign, error) {
	return []core.Campaign{{ID: "cmp_1"}}, nil
}

var _ Service = (*recordingService)(nil)

func TestRegisterService_DispatchesCommandsAndQueries(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	svc := &recordingService{}

	subs, err := RegisterService(adapter, svc, nil)
	if err != nil {
		t.Fatalf("register service: %v", err)
	}
	t.Cleanup(subs.Unsubscribe)
	if len(subs) != 12 {
		t.Fatalf("expected twelve subscriptions without an invalidation log, got %d", len(subs))
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}

	if err := Dispatch(context.Background(), adscommand.DisconnectMessage{UserID: "user_1", ConnectionID: "conn_1"}); err != nil {
		t.Fatalf("dispatch disconnect: %v", err)
	}
	svc.mu.Lock()
	disconnected := append([]string(nil), svc.disconnected...)
	svc.mu.Unlock()
	if len(disconnected) != 1 || disconnected[0] != "conn_1" {
		t.Fatalf("expected disconnect delegation, got %v", disconnected)
	}

	limits, err := Query[adsquery.ConnectionLimitsMessage, core.ConnectionLimits](context.Background(), adsquery.ConnectionLimitsMessage{
		UserID:   "user_1",
		Platform: core.PlatformGoogle,
	})
	if err != nil {
		t.Fatalf("query limits: %v", err)
	}
	if limits.Max != 3 || limits.Remaining != 2 {
		t.Fatalf("unexpected limits: %+v", limits)
	}
}

func TestRegisterService_RequiresService(t *testing.T) {
	if _, err := RegisterService(NewRegistryAdapter(nil), nil, nil); err == nil {
		t.Fatalf("expected nil service to fail")
	}
}

func TestRegisterService_NilAdapterLeavesNothingSubscribed(t *testing.T) {
	var adapter *RegistryAdapter
	subs, err := RegisterService(adapter, &recordingService{}, nil)
	if err == nil {
		t.Fatalf("expected nil adapter to fail")
	}
	if subs != nil {
		t.Fatalf("expected no subscriptions on failure, got %d", len(subs))
	}
}
