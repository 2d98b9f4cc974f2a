package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialSocket(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(f.server.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var issued bool
	for _, c := range resp.Cookies() {
		issued = issued || c.Name == ContextCookie
	}
	assert.True(t, issued, "context cookie sent with the upgrade response")
	return conn
}

func call(t *testing.T, conn *websocket.Conn, id int, method string, params any) RPCResponse {
	t.Helper()
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	require.NoError(t, conn.WriteJSON(req))

	var resp RPCResponse
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Equal(t, id, resp.ID)
	return resp
}

func resultInto(t *testing.T, resp RPCResponse, v any) {
	t.Helper()
	require.Nil(t, resp.Error)
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestSocketChatAndSessions(t *testing.T) {
	f := newFixture(t)
	conn := dialSocket(t, f)

	var ex struct {
		SessionID string `json:"session_id"`
		Reply     string `json:"reply"`
	}
	resultInto(t, call(t, conn, 1, MethodChatSend, map[string]string{"message": "Hello"}), &ex)
	assert.Equal(t, "user_0", ex.SessionID)
	assert.Equal(t, "Hi there", ex.Reply)

	var created sessionParams
	resultInto(t, call(t, conn, 2, MethodSessionsNew, nil), &created)
	assert.Equal(t, "user_1", created.ID)

	var listed sessionsResponse
	resultInto(t, call(t, conn, 3, MethodSessionsList, nil), &listed)
	assert.Equal(t, "user_1", listed.Current)
	require.Len(t, listed.Sessions, 1)
	assert.Equal(t, "user_0", listed.Sessions[0].ID)

	resultInto(t, call(t, conn, 4, MethodSessionsSwitch, map[string]string{"id": "user_0"}), &created)
	assert.Equal(t, "user_0", created.ID)

	var conv struct {
		ID    string `json:"id"`
		Turns []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"turns"`
	}
	resultInto(t, call(t, conn, 5, MethodSessionTurns, nil), &conv)
	assert.Equal(t, "user_0", conv.ID)
	require.Len(t, conv.Turns, 2)
	assert.Equal(t, "assistant", conv.Turns[1].Role)
}

func TestSocketErrors(t *testing.T) {
	f := newFixture(t)
	conn := dialSocket(t, f)

	resp := call(t, conn, 1, "tools/list", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)

	resp = call(t, conn, 2, MethodChatSend, map[string]string{"message": " "})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)

	resp = call(t, conn, 3, MethodSessionsSwitch, map[string]string{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)

	f.completer.err = errors.New("model overloaded")
	resp = call(t, conn, 4, MethodChatSend, map[string]string{"message": "Hello"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeCompletion, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "model overloaded")
	assert.NotNil(t, resp.Error.Data)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var parseResp RPCResponse
	require.NoError(t, conn.ReadJSON(&parseResp))
	require.NotNil(t, parseResp.Error)
	assert.Equal(t, CodeParseError, parseResp.Error.Code)
}

func TestSocketRequiresUpgrade(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/ws", nil, "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
