package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vervet/valet/internal/bus"
	"github.com/vervet/valet/internal/engine"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	ErrCodeInvalid = 1000
)

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex

	subMu     sync.Mutex
	busSub    *bus.Subscription
	busCancel context.CancelFunc
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	c.subMu.Lock()
	if c.busCancel != nil {
		c.busCancel()
	}
	c.subMu.Unlock()
	if c.busSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.cfg.Logger.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		s.cfg.Logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.cfg.Logger.Error("ws: write response error", "method", req.Method, "error", err)
		}
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	resp := &rpcResponse{JSONRPC: "2.0"}
	if req.ID != nil {
		var id any
		_ = json.Unmarshal(req.ID, &id)
		resp.ID = id
	}

	switch req.Method {
	case "subscribe":
		var p struct {
			Prefix string `json:"prefix"`
		}
		if req.Params != nil {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				resp.Error = &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid params"}
				return resp
			}
		}
		s.subscribeClient(ctx, c, p.Prefix)
		resp.Result = map[string]any{"subscribed": true, "prefix": p.Prefix}

	case "approval.list":
		resp.Result = map[string]any{"approvals": s.cfg.Broker.ListPending()}

	case "approval.resolve":
		var p struct {
			ApprovalID string `json:"approval_id"`
			Decision   string `json:"decision"`
			Reason     string `json:"reason"`
			Phrase     string `json:"phrase"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ApprovalID == "" {
			resp.Error = &rpcError{Code: ErrCodeInvalidRequest, Message: "approval_id and decision required"}
			return resp
		}
		if err := s.cfg.Broker.Resolve(p.ApprovalID, p.Decision, p.Reason, p.Phrase); err != nil {
			resp.Error = &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
			return resp
		}
		resp.Result = map[string]any{"approval_id": p.ApprovalID, "decision": p.Decision}

	case "input.submit":
		var p struct {
			RequestID string            `json:"request_id"`
			Decision  string            `json:"decision"`
			Answers   map[string]string `json:"answers"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.RequestID == "" {
			resp.Error = &rpcError{Code: ErrCodeInvalidRequest, Message: "request_id required"}
			return resp
		}
		if p.Decision == "" {
			p.Decision = engine.DecisionSubmit
		}
		if err := s.cfg.Broker.SubmitInput(p.RequestID, p.Decision, p.Answers); err != nil {
			resp.Error = &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
			return resp
		}
		resp.Result = map[string]any{"request_id": p.RequestID, "decision": p.Decision}

	default:
		resp.Error = &rpcError{Code: ErrCodeMethodNotFound, Message: "unknown method " + req.Method}
	}
	return resp
}

// subscribeClient forwards bus events matching the prefix to the client as
// JSON-RPC notifications until the connection closes.
func (s *Server) subscribeClient(ctx context.Context, c *client, prefix string) {
	if s.cfg.Bus == nil {
		return
	}
	c.subMu.Lock()
	if c.busCancel != nil {
		c.busCancel()
		if c.busSub != nil {
			s.cfg.Bus.Unsubscribe(c.busSub)
		}
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := s.cfg.Bus.Subscribe(prefix)
	c.busSub = sub
	c.busCancel = cancel
	c.subMu.Unlock()

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				notification := &rpcResponse{
					JSONRPC: "2.0",
					Method:  "event",
					Params: map[string]any{
						"topic":   ev.Topic,
						"payload": ev.Payload,
					},
				}
				if err := c.write(subCtx, notification); err != nil {
					return
				}
			}
		}
	}()
}
