package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"CourseChat/internal/chatbot"
	"CourseChat/internal/session"

	"github.com/gorilla/websocket"
)

// JSON-RPC 2.0 framing used on /ws

// RPCRequest is one call sent by a socket client
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCResponse answers exactly one RPCRequest
type RPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object. Data carries the exchange when a
// completion failed.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeCompletion     = -32000
)

// Socket methods
const (
	MethodChatSend       = "chat.send"
	MethodSessionsList   = "sessions.list"
	MethodSessionsNew    = "sessions.new"
	MethodSessionsSwitch = "sessions.switch"
	MethodSessionTurns   = "session.turns"
)

const maxSocketMessage = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type sessionParams struct {
	ID string `json:"id"`
}

// socket handles GET /ws. Each request frame gets one response frame; calls
// on a connection run in order against the caller's UI context.
func (s *Server) socket(w http.ResponseWriter, r *http.Request) {
	mgr := s.manager(w, r)

	conn, err := upgrader.Upgrade(w, r, w.Header())
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxSocketMessage)

	s.logger.Info("websocket client connected", "remote", r.RemoteAddr)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var req RPCRequest
		var resp RPCResponse
		if err := json.Unmarshal(data, &req); err != nil {
			resp = RPCResponse{Error: &RPCError{Code: CodeParseError, Message: fmt.Sprintf("invalid JSON: %v", err)}}
		} else {
			resp = s.dispatch(r, mgr, req)
		}
		resp.JSONRPC = "2.0"

		if err := conn.WriteJSON(resp); err != nil {
			s.logger.Warn("websocket write failed", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(r *http.Request, mgr *session.Manager, req RPCRequest) RPCResponse {
	ctx := r.Context()
	resp := RPCResponse{ID: req.ID}

	switch req.Method {
	case MethodChatSend:
		var params ChatRequest
		if err := decodeParams(req.Params, &params); err != nil {
			resp.Error = err
			return resp
		}
		if params.SessionID != "" {
			mgr.SwitchTo(params.SessionID)
		}
		ex, err := s.bot.Send(ctx, mgr, params.Message)
		switch {
		case errors.Is(err, chatbot.ErrEmptyInput):
			resp.Error = &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		case err != nil:
			resp.Error = &RPCError{Code: CodeInternal, Message: err.Error()}
		case ex.Failed():
			resp.Error = &RPCError{Code: CodeCompletion, Message: ex.ErrorMessage(), Data: ex}
		default:
			resp.Result = ex
		}

	case MethodSessionsList:
		summaries, warnings := s.bot.Summaries(ctx)
		resp.Result = sessionsResponse{Current: mgr.Current(), Sessions: summaries, Warnings: warnings}

	case MethodSessionsNew:
		resp.Result = sessionParams{ID: mgr.NewSession()}

	case MethodSessionsSwitch:
		var params sessionParams
		if err := decodeParams(req.Params, &params); err != nil {
			resp.Error = err
			return resp
		}
		if params.ID == "" {
			resp.Error = &RPCError{Code: CodeInvalidParams, Message: "id is required"}
			return resp
		}
		mgr.SwitchTo(params.ID)
		resp.Result = sessionParams{ID: params.ID}

	case MethodSessionTurns:
		var params sessionParams
		if err := decodeParams(req.Params, &params); err != nil {
			resp.Error = err
			return resp
		}
		if params.ID == "" {
			params.ID = mgr.Current()
		}
		turns, err := s.bot.Turns(ctx, params.ID)
		if err != nil {
			resp.Error = &RPCError{Code: CodeInternal, Message: err.Error()}
			return resp
		}
		resp.Result = session.Session{ID: params.ID, Turns: turns}

	default:
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
	return resp
}

func decodeParams(raw json.RawMessage, v any) *RPCError {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}
