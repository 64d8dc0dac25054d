// Package ariarpc is a client for the aria2 JSON-RPC interface. Its core is
// the Trigger: one persistent WebSocket connection that multiplexes
// caller-issued requests, correlated responses and unsolicited download
// lifecycle notifications. Responses are paired with their calls through a
// Store keyed by correlation id; notifications fan out to handlers held in a
// Registry. HTTPClient is the stateless one-call-one-reply variant.
package ariarpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const protocolVersion = "2.0"

const (
	domainPrefix = "aria2."
	metaPrefix   = "system."
	tokenPrefix  = "token:"
)

// ID is a correlation id. It is echoed by the daemon in the response that
// completes the request carrying it.
type ID = uint64

// Request is the outbound envelope.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      ID     `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

func newRequest(id ID, method string, params []any) Request {
	if params == nil {
		params = []any{}
	}
	return Request{JSONRPC: protocolVersion, ID: id, Method: method, Params: params}
}

// EncodeRequest serializes one request envelope.
func EncodeRequest(r Request) ([]byte, error) {
	if r.JSONRPC == "" {
		r.JSONRPC = protocolVersion
	}
	if r.Params == nil {
		r.Params = []any{}
	}
	return json.Marshal(&r)
}

type FrameKind int

const (
	FrameResponse FrameKind = iota + 1
	FrameNotification
)

func (k FrameKind) String() string {
	switch k {
	case FrameResponse:
		return "response"
	case FrameNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Frame is an inbound message after classification. Response frames carry
// ID and exactly one of Result or Err; notification frames carry Method and
// Params.
type Frame struct {
	Kind   FrameKind
	ID     ID
	Result json.RawMessage
	Err    *RemoteError
	Method string
	Params json.RawMessage
}

// wireFrame mirrors every field an inbound message may carry. Presence is
// tracked through raw messages because a zero id is a valid id.
type wireFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  json.RawMessage `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// DecodeFrame classifies a raw payload. Anything that is not exactly a
// response or a notification is reported as a *ProtocolError.
func DecodeFrame(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Frame{}, &ProtocolError{Reason: "malformed json: " + err.Error(), Payload: data}
	}
	hasID := present(w.ID)
	hasMethod := present(w.Method)
	// result may legitimately be null, so only its key matters.
	hasResult := len(w.Result) > 0
	hasError := present(w.Error)
	switch {
	case hasID && hasMethod:
		return Frame{}, &ProtocolError{Reason: "both id and method present", Payload: data}
	case hasID:
		id, err := parseID(w.ID)
		if err != nil {
			return Frame{}, &ProtocolError{Reason: err.Error(), Payload: data}
		}
		if hasError {
			var re RemoteError
			if err := json.Unmarshal(w.Error, &re); err != nil {
				return Frame{}, &ProtocolError{Reason: "malformed error object", Payload: data}
			}
			return Frame{Kind: FrameResponse, ID: id, Err: &re}, nil
		}
		if !hasResult {
			return Frame{}, &ProtocolError{Reason: "response without result or error", Payload: data}
		}
		return Frame{Kind: FrameResponse, ID: id, Result: w.Result}, nil
	case hasMethod:
		var method string
		if err := json.Unmarshal(w.Method, &method); err != nil || method == "" {
			return Frame{}, &ProtocolError{Reason: "method is not a string", Payload: data}
		}
		return Frame{Kind: FrameNotification, Method: method, Params: w.Params}, nil
	default:
		return Frame{}, &ProtocolError{Reason: "neither id nor method present", Payload: data}
	}
}

func parseID(raw json.RawMessage) (ID, error) {
	s := string(raw)
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("malformed id: %w", err)
		}
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("id is not an unsigned integer: %s", raw)
	}
	return id, nil
}

// applyToken prepends the secret to the params of domain calls. For a
// multicall the secret goes into each sub-call instead of the outer
// envelope. Introspection verbs never carry it.
func applyToken(token, method string, params []any) []any {
	if token == "" {
		return params
	}
	secret := tokenPrefix + token
	switch {
	case strings.HasPrefix(method, domainPrefix):
		out := make([]any, 0, len(params)+1)
		out = append(out, secret)
		return append(out, params...)
	case method == MethodMulticall:
		if len(params) == 0 {
			return params
		}
		calls, ok := params[0].([]MethodCall)
		if !ok {
			return params
		}
		withToken := make([]MethodCall, len(calls))
		for i, c := range calls {
			p := make([]any, 0, len(c.Params)+1)
			p = append(p, secret)
			withToken[i] = MethodCall{MethodName: c.MethodName, Params: append(p, c.Params...)}
		}
		out := make([]any, len(params))
		copy(out, params)
		out[0] = withToken
		return out
	default:
		return params
	}
}

// MethodCall is one entry of a system.multicall.
type MethodCall struct {
	MethodName string `json:"methodName"`
	Params     []any  `json:"params"`
}

// Event is a decoded lifecycle notification.
type Event struct {
	Method string
	GID    string
	Params json.RawMessage
}

func decodeEvent(f Frame) Event {
	ev := Event{Method: f.Method, Params: f.Params}
	var args []struct {
		GID string `json:"gid"`
	}
	if err := json.Unmarshal(f.Params, &args); err == nil && len(args) > 0 {
		ev.GID = args[0].GID
	}
	return ev
}
