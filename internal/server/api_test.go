package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/prakhar0085/chatapp/internal/collab"
	"github.com/prakhar0085/chatapp/internal/config"
	"github.com/prakhar0085/chatapp/internal/event"
	"github.com/stretchr/testify/require"
)

type cannedReplier struct{}

func (cannedReplier) Reply(_ context.Context, text string) string { return "echo: " + text }

func (cannedReplier) Suggestions(context.Context, string) []string {
	return []string{"yes", "no", "maybe"}
}

func withCollab(msgs collab.MessageStore, dir collab.Directory, rep collab.Replier) nodeOption {
	return func(_ *config.Config, d *Deps) {
		d.Messages = msgs
		d.Directory = dir
		d.Replier = rep
	}
}

func seededDirectory() *collab.MemoryDirectory {
	return collab.NewMemoryDirectory(
		collab.User{ID: "alice", FullName: "Alice", ChatCode: "ALICE1", PublicKey: "pk-alice"},
		collab.User{ID: "bob", FullName: "Bob", ChatCode: "BOB2", PublicKey: "pk-bob"},
	)
}

func do(t *testing.T, n *testNode, method, path, user string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, n.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	resp, err := n.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func TestAPIRequiresUser(t *testing.T) {
	node := startNode(t, "i1")
	resp, _ := do(t, node, http.MethodGet, "/api/messages/users", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPISendPushesNewMessage(t *testing.T) {
	msgs := collab.NewMemoryMessages()
	node := startNode(t, "i1", withCollab(msgs, seededDirectory(), nil))
	bob := node.connect(t, "bob")

	resp, body := do(t, node, http.MethodPost, "/api/messages/send/bob", "alice", map[string]string{"text": "ciphertext"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sent event.Message
	require.NoError(t, json.Unmarshal(body, &sent))
	require.Equal(t, "alice", sent.SenderID)
	require.Equal(t, "bob", sent.ReceiverID)
	require.NotEmpty(t, sent.ID)

	var pushed event.Message
	require.NoError(t, expectEvent(t, bob, event.NewMessage).Bind(&pushed))
	require.Equal(t, sent.ID, pushed.ID)
	require.Equal(t, "ciphertext", pushed.Text)

	resp, body = do(t, node, http.MethodGet, "/api/messages/alice", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []event.Message
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history, 1)
	require.False(t, history[0].IsRead)
}

func TestAPISendRejectsEmptyMessage(t *testing.T) {
	node := startNode(t, "i1")
	resp, _ := do(t, node, http.MethodPost, "/api/messages/send/bob", "alice", map[string]string{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIMarkReadNotifiesSender(t *testing.T) {
	msgs := collab.NewMemoryMessages()
	node := startNode(t, "i1", withCollab(msgs, seededDirectory(), nil))
	alice := node.connect(t, "alice")

	_, err := msgs.Create(context.Background(), collab.Draft{SenderID: "alice", ReceiverID: "bob", Text: "hi"})
	require.NoError(t, err)

	resp, body := do(t, node, http.MethodPut, "/api/messages/read/alice", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"message":"Messages marked as read"}`, string(body))

	var seen event.SeenNotice
	require.NoError(t, expectEvent(t, alice, event.MessagesSeen).Bind(&seen))
	require.Equal(t, "bob", seen.SeenBy)

	history, err := msgs.ListConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.True(t, history[0].IsRead)
}

func TestAPIConnectByChatCode(t *testing.T) {
	node := startNode(t, "i1", withCollab(collab.NewMemoryMessages(), seededDirectory(), nil))

	resp, body := do(t, node, http.MethodPost, "/api/messages/connect-code", "alice", map[string]string{"chatCode": "BOB2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Message string      `json:"message"`
		User    collab.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, "Connected with Bob", out.Message)
	require.Equal(t, "bob", out.User.ID)

	cases := []struct {
		name   string
		code   string
		status int
		msg    string
	}{
		{"already connected", "BOB2", http.StatusBadRequest, "User already in contacts"},
		{"self", "ALICE1", http.StatusBadRequest, "You cannot add yourself"},
		{"unknown", "NOPE", http.StatusNotFound, "Invalid Chat Code"},
		{"missing", "", http.StatusBadRequest, "Chat Code is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, node, http.MethodPost, "/api/messages/connect-code", "alice", map[string]string{"chatCode": tc.code})
			require.Equal(t, tc.status, resp.StatusCode)
			var msg messageBody
			require.NoError(t, json.Unmarshal(body, &msg))
			require.Equal(t, tc.msg, msg.Message)
		})
	}

	resp, body = do(t, node, http.MethodGet, "/api/messages/users", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sidebar []collab.User
	require.NoError(t, json.Unmarshal(body, &sidebar))
	require.Len(t, sidebar, 2)
	require.Equal(t, "alice", sidebar[0].ID)
	require.Equal(t, "ai-assistant", sidebar[1].ID)
}

func TestAPIOnlineAndPublicKey(t *testing.T) {
	node := startNode(t, "i1", withCollab(collab.NewMemoryMessages(), seededDirectory(), nil))
	node.connect(t, "alice")

	resp, body := do(t, node, http.MethodGet, "/api/users/online", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `["alice"]`, string(body))

	resp, body = do(t, node, http.MethodGet, "/api/users/bob/public-key", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"userId":"bob","publicKey":"pk-bob"}`, string(body))

	resp, _ = do(t, node, http.MethodGet, "/api/users/carol/public-key", "alice", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIAIChatStoresBothSides(t *testing.T) {
	msgs := collab.NewMemoryMessages()
	node := startNode(t, "i1", withCollab(msgs, seededDirectory(), cannedReplier{}))

	resp, body := do(t, node, http.MethodPost, "/api/ai/chat", "alice", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reply event.Message
	require.NoError(t, json.Unmarshal(body, &reply))
	require.Equal(t, "ai-assistant", reply.SenderID)
	require.Equal(t, "alice", reply.ReceiverID)
	require.Equal(t, "echo: hello", reply.Text)

	history, err := msgs.ListConversation(context.Background(), "alice", "ai-assistant")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "hello", history[0].Text)

	resp, body = do(t, node, http.MethodPost, "/api/ai/suggestions", "alice", map[string]string{"message": "lunch?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"suggestions":["yes","no","maybe"]}`, string(body))
}

func TestAPISuggestionsWithoutReplier(t *testing.T) {
	node := startNode(t, "i1")
	resp, body := do(t, node, http.MethodPost, "/api/ai/suggestions", "alice", map[string]string{"message": "lunch?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"suggestions":["👍","Sounds good!","Ok"]}`, string(body))
}
