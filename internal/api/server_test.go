package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatkeeper/internal/aiconnectors"
	"github.com/chatkeeper/internal/api/auth"
	"github.com/chatkeeper/internal/retry"
	"github.com/chatkeeper/internal/session"
	"github.com/chatkeeper/internal/store"
	"github.com/chatkeeper/pkg/models"
)

type echoProvider struct{}

func (echoProvider) Name() string { return "echo" }

func (echoProvider) GenerateText(ctx context.Context, prompt string, history []models.Turn) (string, error) {
	return "you said: " + prompt, nil
}

func (echoProvider) GenerateImage(ctx context.Context, prompt string) (*models.Image, error) {
	return &models.Image{Kind: models.ImageURL, Data: "https://img.example/" + prompt + ".png"}, nil
}

func newTestServer(t *testing.T, tokens *auth.TokenService) (*Server, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	m := session.NewManager(st, aiconnectors.NewChain(echoProvider{}), session.Options{
		Retry: retry.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 1},
	})
	t.Cleanup(m.Close)
	return NewServer(Options{Manager: m, Store: st, Tokens: tokens, DefaultAccount: "local"}), st
}

func do(t *testing.T, srv *Server, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestSubmitPromptEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/prompts", `{"text":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var sub session.Submission
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	assert.Equal(t, models.RoleAssistant, sub.Reply.Role)
	assert.Equal(t, "you said: hello", sub.Reply.Content)

	rec = do(t, srv, http.MethodGet, "/api/v1/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var convs []models.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &convs))
	require.Len(t, convs, 1)
	assert.Equal(t, "Chat 1", convs[0].Name)
	assert.Equal(t, "local", convs[0].AccountID)

	rec = do(t, srv, http.MethodGet, "/api/v1/conversations/"+convs[0].ID+"/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []models.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	assert.Len(t, msgs, 2)
}

func TestSubmitImageEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/images", `{"text":"cat"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var sub session.Submission
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	require.NotNil(t, sub.Reply.Image)
	assert.Equal(t, models.ImageURL, sub.Reply.Image.Kind)
}

func TestSubmitPromptEndpoint_Empty(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := do(t, srv, http.MethodPost, "/api/v1/prompts", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversationLifecycleEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(t, srv, http.MethodPost, "/api/v1/conversations", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"]
	require.NotEmpty(t, id)

	rec = do(t, srv, http.MethodPost, "/api/v1/conversations/"+id+"/select", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view session.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, id, view.ActiveConversationID)

	rec = do(t, srv, http.MethodDelete, "/api/v1/conversations/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, srv, http.MethodDelete, "/api/v1/conversations/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConversationEndpoints_OtherAccount(t *testing.T) {
	srv, st := newTestServer(t, nil)
	theirs := &models.Conversation{Name: "Chat 1", AccountID: "someone-else"}
	require.NoError(t, st.CreateConversation(context.Background(), theirs))

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/conversations/" + theirs.ID + "/messages"},
		{http.MethodPost, "/api/v1/conversations/" + theirs.ID + "/select"},
		{http.MethodDelete, "/api/v1/conversations/" + theirs.ID},
	} {
		rec := do(t, srv, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.path)
	}

	rec := do(t, srv, http.MethodGet, "/api/v1/conversations", "", auth.AccountHeader, "someone-else")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), theirs.ID)
}

func TestTokenAuth(t *testing.T) {
	tokens := auth.NewTokenService("secret", "chatkeeper", time.Hour)
	srv, _ := newTestServer(t, tokens)

	rec := do(t, srv, http.MethodGet, "/api/v1/state", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := tokens.CreateAccessToken("jed556")
	require.NoError(t, err)
	rec = do(t, srv, http.MethodGet, "/api/v1/state", "", "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, rec.Code)

	var view session.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "jed556", view.AccountID)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	do(t, srv, http.MethodGet, "/health", "")

	rec := do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chatkeeper_http_requests_total")
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestEventsSocket(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	header := http.Header{}
	header.Set(auth.AccountHeader, "ws-user")
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	first := readEvent(t, conn)
	assert.Equal(t, "view", first.Type)
	require.NotNil(t, first.View)
	assert.Equal(t, "ws-user", first.View.AccountID)

	require.NoError(t, conn.WriteJSON(Intent{Type: IntentSubmitText, Text: "hi"}))
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "never saw the reply")
		ev := readEvent(t, conn)
		if ev.Type == "view" && len(ev.View.Messages) == 2 {
			assert.Equal(t, "you said: hi", ev.View.Messages[1].Content)
			break
		}
	}

	require.NoError(t, conn.WriteJSON(Intent{Type: "dance"}))
	for {
		require.True(t, time.Now().Before(deadline.Add(time.Second)), "never saw the error")
		ev := readEvent(t, conn)
		if ev.Type == "error" {
			assert.Equal(t, "dance", ev.Intent)
			break
		}
	}
}

func TestEventsSocket_OtherAccountConversation(t *testing.T) {
	srv, st := newTestServer(t, nil)
	theirs := &models.Conversation{Name: "Chat 1", AccountID: "someone-else"}
	require.NoError(t, st.CreateConversation(context.Background(), theirs))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	header := http.Header{}
	header.Set(auth.AccountHeader, "ws-user")
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	for _, intent := range []string{IntentSelectConversation, IntentDeleteConversation} {
		require.NoError(t, conn.WriteJSON(Intent{Type: intent, ID: theirs.ID}))
		for {
			ev := readEvent(t, conn)
			if ev.Type == "error" {
				assert.Equal(t, intent, ev.Intent)
				assert.Contains(t, ev.Error, "not found")
				break
			}
			assert.NotEqual(t, theirs.ID, ev.View.ActiveConversationID)
		}
	}

	_, err = st.GetConversation(context.Background(), theirs.ID)
	assert.NoError(t, err)
}
