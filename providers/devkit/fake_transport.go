package devkit

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"sync"

	"github.com/goliatone/go-adsconnect/core"
)

// TransportScript is one scripted reply.
type TransportScript struct {
	Response core.TransportResponse
	Err      error
}

// scriptQueue replays scripts in order and repeats the last one once the
// queue runs dry.
type scriptQueue struct {
	scripts []TransportScript
	served  int
}

func (q *scriptQueue) next() (TransportScript, bool) {
	if len(q.scripts) == 0 {
		return TransportScript{}, false
	}
	index := min(q.served, len(q.scripts)-1)
	q.served++
	return q.scripts[index], true
}

type route struct {
	fragment string
	queue    *scriptQueue
}

// FakeTransportAdapter stands in for the REST adapter in platform client
// tests. Requests whose URL contains a routed fragment are answered from
// that route; everything else falls through to the default queue.
type FakeTransportAdapter struct {
	mu       sync.Mutex
	kind     string
	fallback scriptQueue
	routes   []route
	requests []core.TransportRequest
}

func NewFakeTransportAdapter(kind string, scripts ...TransportScript) *FakeTransportAdapter {
	return &FakeTransportAdapter{
		kind:     strings.TrimSpace(strings.ToLower(kind)),
		fallback: scriptQueue{scripts: append([]TransportScript(nil), scripts...)},
	}
}

// On answers requests whose URL contains fragment, for example
// "/oauth/access_token" or "/insights". Routes match in registration order.
func (a *FakeTransportAdapter) On(fragment string, scripts ...TransportScript) *FakeTransportAdapter {
	if a == nil || strings.TrimSpace(fragment) == "" {
		return a
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.routes = append(a.routes, route{
		fragment: strings.TrimSpace(fragment),
		queue:    &scriptQueue{scripts: append([]TransportScript(nil), scripts...)},
	})
	return a
}

func (a *FakeTransportAdapter) Kind() string {
	if a == nil {
		return ""
	}
	return a.kind
}

func (a *FakeTransportAdapter) Do(_ context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	if a == nil {
		return core.TransportResponse{}, fmt.Errorf("devkit: fake transport adapter is nil")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.requests = append(a.requests, cloneTransportRequest(req))
	queue := &a.fallback
	for _, candidate := range a.routes {
		if strings.Contains(req.URL, candidate.fragment) {
			queue = candidate.queue
			break
		}
	}
	if script, ok := queue.next(); ok {
		return cloneTransportResponse(script.Response), script.Err
	}
	return core.TransportResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{},
		Body:       []byte("{}"),
		Metadata:   map[string]any{"kind": a.kind},
	}, nil
}

// Requests returns copies of every request seen so far.
func (a *FakeTransportAdapter) Requests() []core.TransportRequest {
	return a.RequestsTo("")
}

// RequestsTo returns copies of the requests whose URL contains fragment.
func (a *FakeTransportAdapter) RequestsTo(fragment string) []core.TransportRequest {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]core.TransportRequest, 0, len(a.requests))
	for _, item := range a.requests {
		if strings.Contains(item.URL, fragment) {
			out = append(out, cloneTransportRequest(item))
		}
	}
	return out
}

func cloneTransportRequest(in core.TransportRequest) core.TransportRequest {
	out := in
	out.Headers = maps.Clone(in.Headers)
	out.Query = maps.Clone(in.Query)
	out.Body = append([]byte(nil), in.Body...)
	return out
}

func cloneTransportResponse(in core.TransportResponse) core.TransportResponse {
	out := in
	out.Headers = maps.Clone(in.Headers)
	if out.Headers == nil {
		out.Headers = map[string]string{}
	}
	out.Metadata = maps.Clone(in.Metadata)
	out.Body = append([]byte(nil), in.Body...)
	return out
}

var _ core.TransportAdapter = (*FakeTransportAdapter)(nil)
