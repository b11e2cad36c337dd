package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voltmark/marketflow/config"
	"github.com/voltmark/marketflow/internal/server"
	"github.com/voltmark/marketflow/messagelog"
	"github.com/voltmark/marketflow/pipeline"
	"github.com/voltmark/marketflow/runtime"
	"github.com/voltmark/marketflow/session"
	"github.com/voltmark/marketflow/testutil"
	"github.com/voltmark/marketflow/types"
)

const testSecret = "test-secret"

type testStack struct {
	ts       *httptest.Server
	provider *testutil.ScriptedProvider
	log      *messagelog.Log
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	provider := testutil.NewScriptedProvider()

	dbCfg := config.DefaultDatabaseConfig()
	dbCfg.DSN = ":memory:"
	log, err := messagelog.New(dbCfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	rt := runtime.New(provider, session.NewMemoryStore(), runtime.NewRegistry("test-model"), config.DefaultLLMConfig(), zap.NewNop())
	coordinator := pipeline.NewCoordinator(log, log, time.Hour, nil, zap.NewNop())
	classifier := pipeline.NewClassifier(rt, zap.NewNop())
	router := pipeline.NewRouter(rt, coordinator, log, zap.NewNop())
	p := pipeline.New(rt, classifier, router, coordinator, config.DefaultPipelineConfig(), nil, zap.NewNop())

	authCfg := config.AuthConfig{JWTSecret: testSecret, Issuer: "marketflow"}
	srv := server.New(config.DefaultServerConfig(), authCfg, p, log, zap.NewNop())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testStack{ts: ts, provider: provider, log: log}
}

func issueToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    "marketflow",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (s *testStack) post(t *testing.T, token, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, s.ts.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func (s *testStack) get(t *testing.T, token, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func readSSE(t *testing.T, resp *http.Response) []types.Event {
	t.Helper()
	defer resp.Body.Close()

	var events []types.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev types.Event
		require.NoError(t, json.Unmarshal([]byte(payload), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestHealthz(t *testing.T) {
	s := newTestStack(t)

	resp, err := http.Get(s.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatRequiresAuth(t *testing.T) {
	s := newTestStack(t)

	resp := s.post(t, "", "/api/v1/chat", server.ChatRequest{ConversationID: "conv-1", Query: "q"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChatRejectsForgedToken(t *testing.T) {
	s := newTestStack(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "user-1", Issuer: "marketflow"})
	forged, err := token.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	resp := s.post(t, forged, "/api/v1/chat", server.ChatRequest{ConversationID: "conv-1", Query: "q"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChatStreamsGoodAnswer(t *testing.T) {
	s := newTestStack(t)
	s.provider.
		Queue("Module prices in China fell to 0.10 USD/Wp in 2024.").
		Queue(`{"classification": "good_answer"}`)

	token := issueToken(t, "user-1")
	resp := s.post(t, token, "/api/v1/chat", server.ChatRequest{
		ConversationID: "conv-1",
		Query:          "Show me the module price trend",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	events := readSSE(t, resp)
	require.NotEmpty(t, events)
	assert.Equal(t, types.EventTextChunk, events[0].Type)
	assert.Equal(t, types.EventDone, events[len(events)-1].Type)

	// Both sides of the exchange are in the durable transcript.
	mresp := s.get(t, token, "/api/v1/conversations/conv-1/messages")
	defer mresp.Body.Close()
	require.Equal(t, http.StatusOK, mresp.StatusCode)

	var envelope struct {
		Data []messagelog.MessageRecord `json:"data"`
	}
	require.NoError(t, json.NewDecoder(mresp.Body).Decode(&envelope))
	require.Len(t, envelope.Data, 2)
	assert.Equal(t, "user", envelope.Data[0].Sender)
	assert.Equal(t, "assistant", envelope.Data[1].Sender)
	assert.Contains(t, envelope.Data[1].Content, "0.10 USD/Wp")
}

func TestChatFollowUpThenApproval(t *testing.T) {
	s := newTestStack(t)
	s.provider.
		Queue("That data is not available in our dataset.").
		Queue(`{"classification": "bad_answer"}`).
		Queue("One of our market experts can help with this request.")

	token := issueToken(t, "user-1")
	resp := s.post(t, token, "/api/v1/chat", server.ChatRequest{
		ConversationID: "conv-1",
		Query:          "What is the BESS capacity in Italy?",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readSSE(t, resp)
	var approval *types.Event
	for i := range events {
		if events[i].Type == types.EventApprovalRequest {
			approval = &events[i]
		}
	}
	require.NotNil(t, approval)
	assert.Equal(t, pipeline.ApprovalQuestion, approval.ApprovalQuestion)

	// A stranger cannot resolve the offer.
	strangerResp := s.post(t, issueToken(t, "stranger"), "/api/v1/approval", server.ApprovalRequest{
		ConversationID: "conv-1",
		Context:        approval.Context,
		Approved:       true,
	})
	defer strangerResp.Body.Close()
	assert.Equal(t, http.StatusForbidden, strangerResp.StatusCode)

	// The owner approves and gets the redirect signal.
	approveResp := s.post(t, token, "/api/v1/approval", server.ApprovalRequest{
		ConversationID: "conv-1",
		Context:        approval.Context,
		Approved:       true,
	})
	defer approveResp.Body.Close()
	require.Equal(t, http.StatusOK, approveResp.StatusCode)

	var decision pipeline.Decision
	require.NoError(t, json.NewDecoder(approveResp.Body).Decode(&decision))
	assert.True(t, decision.Success)
	assert.True(t, decision.RedirectToContact)
}

func TestChatWebsocket(t *testing.T) {
	s := newTestStack(t)
	s.provider.
		Queue("Module prices held steady this quarter.").
		Queue(`{"classification": "good_answer"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := strings.Replace(s.ts.URL, "http://", "ws://", 1) +
		"/api/v1/chat/ws?token=" + issueToken(t, "user-1")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, wsjson.Write(ctx, conn, server.ChatRequest{
		ConversationID: "conv-ws",
		Query:          "How did module prices move this quarter?",
	}))

	var events []types.Event
	for {
		var ev types.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			break
		}
		events = append(events, ev)
		if ev.Terminal() {
			break
		}
	}

	require.NotEmpty(t, events)
	assert.Equal(t, types.EventTextChunk, events[0].Type)
	assert.Equal(t, types.EventDone, events[len(events)-1].Type)
}

func TestApprovalWithoutPendingOffer(t *testing.T) {
	s := newTestStack(t)
	token := issueToken(t, "user-1")

	// The conversation must exist and be owned, else ownership rejects first.
	s.provider.Queue("draft").Queue(`{"classification": "good_answer"}`)
	resp := s.post(t, token, "/api/v1/chat", server.ChatRequest{ConversationID: "conv-1", Query: "q"})
	readSSE(t, resp)

	notFound := s.post(t, token, "/api/v1/approval", server.ApprovalRequest{
		ConversationID: "conv-1",
		Context:        pipeline.ContextExpertContact,
		Approved:       true,
	})
	defer notFound.Body.Close()
	assert.Equal(t, http.StatusNotFound, notFound.StatusCode)
}

func TestMessagesRequiresOwnership(t *testing.T) {
	s := newTestStack(t)
	s.provider.Queue("draft").Queue(`{"classification": "good_answer"}`)

	owner := issueToken(t, "user-1")
	resp := s.post(t, owner, "/api/v1/chat", server.ChatRequest{ConversationID: "conv-1", Query: "q"})
	readSSE(t, resp)

	other := s.get(t, issueToken(t, "user-2"), "/api/v1/conversations/conv-1/messages")
	defer other.Body.Close()
	assert.Equal(t, http.StatusForbidden, other.StatusCode)
}

func TestConversationsListsOwnOnly(t *testing.T) {
	s := newTestStack(t)
	for i := 0; i < 2; i++ {
		s.provider.Queue("draft").Queue(`{"classification": "good_answer"}`)
		resp := s.post(t, issueToken(t, "user-1"), "/api/v1/chat", server.ChatRequest{
			ConversationID: fmt.Sprintf("conv-%d", i),
			Query:          "q",
		})
		readSSE(t, resp)
	}

	resp := s.get(t, issueToken(t, "user-1"), "/api/v1/conversations")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Data []messagelog.Conversation `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Len(t, envelope.Data, 2)
}
