package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripsage/tripsage-core/admission"
	"github.com/tripsage/tripsage-core/idempotency"
	"github.com/tripsage/tripsage-core/jobqueue"
	"github.com/tripsage/tripsage-core/ratelimit"
	"github.com/tripsage/tripsage-core/runtime/memory"
	"github.com/tripsage/tripsage-core/runtime/model"
	"github.com/tripsage/tripsage-core/runtime/provider"
	"github.com/tripsage/tripsage-core/runtime/router"
	"github.com/tripsage/tripsage-core/runtime/telemetry"
	"github.com/tripsage/tripsage-core/runtime/toolloop"
	"github.com/tripsage/tripsage-core/runtime/tools"
	"github.com/tripsage/tripsage-core/runtime/workflows"
	"github.com/tripsage/tripsage-core/webhook"
	"github.com/tripsage/tripsage-core/webhook/signature"
)

// fakeModelClient always answers with a fixed final message and no tool
// calls, terminating the tool loop in a single turn.
type fakeModelClient struct{ text string }

func (c *fakeModelClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return &model.Response{
		Content:    []model.Message{{Role: model.RoleAssistant, Parts: []model.Part{model.TextPart{Text: c.text}}}},
		StopReason: "end_turn",
	}, nil
}

func (c *fakeModelClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, nil
}

type fakeMap struct{ values map[string]string }

func newFakeMap() *fakeMap { return &fakeMap{values: map[string]string{}} }

func (m *fakeMap) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *fakeMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	return true, nil
}

func (m *fakeMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	prev, ok := m.values[key]
	if !ok {
		return "", nil
	}
	if prev == test {
		m.values[key] = value
	}
	return prev, nil
}

func (m *fakeMap) Delete(_ context.Context, key string) (string, error) {
	prev := m.values[key]
	delete(m.values, key)
	return prev, nil
}

func fakeAuthenticator(r *http.Request) (admission.Identity, bool) {
	userID := r.Header.Get("X-Test-User")
	if userID == "" {
		return admission.Identity{}, false
	}
	return admission.Identity{UserID: userID, Authenticated: true}, true
}

func testLimiter() *ratelimit.Limiter {
	limiter := ratelimit.New(nil, func(string) ratelimit.FailurePolicy { return ratelimit.FailOpen })
	routes := []string{
		"chat", "chat:stream", "agents:router", "agents:workflow", "keys:write", "keys:validate",
		"agents:destinations", "agents:flights", "agents:accommodations",
		"agents:itineraries", "agents:budget", "agents:memory",
	}
	for _, route := range routes {
		limiter.Configure(route, ratelimit.Config{Limit: 1000, Window: time.Minute})
	}
	return limiter
}

func testDependencies(t *testing.T, reply string) *Dependencies {
	t.Helper()

	client := &fakeModelClient{text: reply}
	toolRegistry := tools.NewRegistry()
	engine := toolloop.New(client)

	generalChat, err := workflows.NewHandler(workflows.Binding{
		Kind:          router.KindGeneralChat,
		PromptBuilder: func(map[string]any, map[string]any) string { return "you are a helpful travel agent" },
		Policy:        toolloop.Policy{MaxToolCalls: 2, Deadline: 5 * time.Second},
		Model:         "test-model",
	}, toolRegistry, engine)
	require.NoError(t, err)

	destinations, err := workflows.NewHandler(workflows.Binding{
		Kind:          router.KindDestinationResearch,
		PromptBuilder: func(map[string]any, map[string]any) string { return "research destinations" },
		Policy:        toolloop.Policy{MaxToolCalls: 2, Deadline: 5 * time.Second},
		Model:         "test-model",
	}, toolRegistry, engine)
	require.NoError(t, err)

	registry, err := workflows.NewRegistry(generalChat, destinations)
	require.NoError(t, err)

	vault, err := provider.NewMemoryVault(bytes.Repeat([]byte{0x01}, 32))
	require.NoError(t, err)
	providerRegistry := provider.NewRegistry(vault, provider.KindAnthropic)
	providerRegistry.RegisterFactory(provider.KindAnthropic, func(cred provider.Credential) (model.Client, error) {
		return client, nil
	})

	webhookSecret := []byte("hook-secret")
	idempStore := idempotency.New(newFakeMap(), time.Minute)
	intake := webhook.New(webhookSecret, idempStore, nil, []webhook.Binding{
		{Stream: webhook.StreamTrips, Inline: func(context.Context, webhook.Event) error { return nil }},
	})

	jobHandlers := map[string]jobqueue.Handler{
		"notify.email": func(context.Context, jobqueue.Envelope) error { return nil },
	}

	return &Dependencies{
		Auth:         fakeAuthenticator,
		Limiter:      testLimiter(),
		Idempotency:  idempotency.New(newFakeMap(), time.Minute),
		Providers:    providerRegistry,
		Vault:        vault,
		Router:       router.New(client, "test-model"),
		Workflows:    registry,
		Memory:       memory.New(nil),
		Webhook:      intake,
		JobHandlers:  jobHandlers,
		QueueSecrets: [][]byte{[]byte("queue-secret")},
		Logger:       telemetry.NewNoopLogger(),
		Tracer:       telemetry.NewNoopTracer(),
		Metrics:      telemetry.NewNoopMetrics(),
	}
}

func TestChatReturnsFinalMessage(t *testing.T) {
	deps := testDependencies(t, "Barcelona is lovely in the fall.")
	srv := httptest.NewServer(NewRouter(deps))
	defer srv.Close()

	body, _ := json.Marshal(chatRequest{Messages: []chatMessage{{Role: "user", Content: "where should I go in the fall?"}}})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/chat", bytes.NewReader(body))
	req.Header.Set("X-Test-User", "user-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var out chatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "Barcelona is lovely in the fall.", out.Content)
}

func TestChatRejectsEmptyMessagesArray(t *testing.T) {
	deps := testDependencies(t, "reply")
	srv := httptest.NewServer(NewRouter(deps))
	defer srv.Close()

	body, _ := json.Marshal(chatRequest{Messages: []chatMessage{}})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/chat", bytes.NewReader(body))
	req.Header.Set("X-Test-User", "user-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatRejectsBlankUserMessage(t *testing.T) {
	deps := testDependencies(t, "reply")
	srv := httptest.NewServer(NewRouter(deps))
	defer srv.Close()

	body, _ := json.Marshal(chatRequest{Messages: []chatMessage{{Role: "user", Content: "   "}}})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/chat", bytes.NewReader(body))
	req.Header.Set("X-Test-User", "user-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatUsesLatestUserMessageFromHistory(t *testing.T) {
	deps := testDependencies(t, "reply")
	srv := httptest.NewServer(NewRouter(deps))
	defer srv.Close()

	body, _ := json.Marshal(chatRequest{Messages: []chatMessage{
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "second question"},
	}})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/chat", bytes.NewReader(body))
	req.Header.Set("X-Test-User", "user-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatRequiresAuthentication(t *testing.T) {
	deps := testDependencies(t, "reply")
	srv := httptest.NewServer(NewRouter(deps))
	defer srv.Close()

	body, _ := json.Marshal(chatRequest{Messages: []chatMessage{{Role: "user", Content: "hello"}}})
	resp, err := http.Post(srv.URL+"/api/chat", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestClassifyReturnsWorkflow(t *testing.T) {
	deps := testDependencies(t, `{"workflow":"destination_research","confidence":0.9}`)
	srv := httptest.NewServer(NewRouter(deps))
	defer srv.Close()

	body, _ := json.Marshal(classifyRequest{Message: "where should I go in Spain?"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/agents/router", bytes.NewReader(body))
	req.Header.Set("X-Test-User", "user-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var out router.Classification
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, router.KindDestinationResearch, out.Workflow)
}

func TestWorkflowEndpointRejectsUnknownWorkflow(t *testing.T) {
	deps := testDependencies(t, "reply")
	srv := httptest.NewServer(NewRouter(deps))
	defer srv.Close()

	body, _ := json.Marshal(workflowRequest{})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/agents/not-a-workflow", bytes.NewReader(body))
	req.Header.Set("X-Test-User", "user-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRegisterAndRevokeKey(t *testing.T) {
	deps := testDependencies(t, "reply")
	srv := httptest.NewServer(NewRouter(deps))
	defer srv.Close()

	body, _ := json.Marshal(registerKeyRequest{Service: "anthropic", APIKey: "sk-test"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/keys", bytes.NewReader(body))
	req.Header.Set("X-Test-User", "user-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	delReq, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/keys/anthropic", nil)
	delReq.Header.Set("X-Test-User", "user-1")
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)
}

func TestWebhookHandlesDuplicateDelivery(t *testing.T) {
	deps := testDependencies(t, "reply")
	srv := httptest.NewServer(NewRouter(deps))
	defer srv.Close()

	event := webhook.Event{
		Type:       webhook.OpInsert,
		Table:      "trip_collaborators",
		OccurredAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Record:     json.RawMessage(`{"id":"row-1"}`),
	}
	body, err := json.Marshal(event)
	require.NoError(t, err)
	header := signature.Sign([]byte("hook-secret"), body)

	send := func() *http.Response {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/hooks/trips", bytes.NewReader(body))
		req.Header.Set(signatureHeaderName, header)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	first := send()
	defer first.Body.Close()
	assert.Equal(t, http.StatusAccepted, first.StatusCode)

	second := send()
	defer second.Body.Close()
	assert.Equal(t, http.StatusOK, second.StatusCode)
}

func TestJobHandlerProcessesDelivery(t *testing.T) {
	deps := testDependencies(t, "reply")
	srv := httptest.NewServer(NewRouter(deps))
	defer srv.Close()

	env := jobqueue.Envelope{EventKey: "job-event-1", Payload: json.RawMessage(`{}`), Attempt: 1, EnqueuedAt: time.Now().UTC()}
	body, err := json.Marshal(env)
	require.NoError(t, err)
	header := signature.Sign([]byte("queue-secret"), body)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/jobs/notify.email", bytes.NewReader(body))
	req.Header.Set(queueSignatureHeaderName, header)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDemoToolsRouteDisabledByDefault(t *testing.T) {
	deps := testDependencies(t, "reply")
	srv := httptest.NewServer(NewRouter(deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/demo/tools")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDemoToolsRouteListsCatalogWhenEnabled(t *testing.T) {
	deps := testDependencies(t, "reply")
	deps.EnableDemo = true
	deps.Tools = tools.NewRegistry()
	require.NoError(t, deps.Tools.Register(&tools.Spec{
		Name:        tools.Ident("destinations.search"),
		Description: "search destinations",
		Execute:     func(context.Context, json.RawMessage) (any, error) { return nil, nil },
	}))

	srv := httptest.NewServer(NewRouter(deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/demo/tools")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out []demoToolDescription
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 1)
	assert.Equal(t, "destinations.search", out[0].Name)
}

func TestJobHandlerRejectsBadSignature(t *testing.T) {
	deps := testDependencies(t, "reply")
	srv := httptest.NewServer(NewRouter(deps))
	defer srv.Close()

	env := jobqueue.Envelope{EventKey: "job-event-2", Payload: json.RawMessage(`{}`)}
	body, _ := json.Marshal(env)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/jobs/notify.email", bytes.NewReader(body))
	req.Header.Set(queueSignatureHeaderName, "sha256=deadbeef")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
