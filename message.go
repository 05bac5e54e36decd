package cxp

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// MessageKind classifies a wire message by the fields it carries.
type MessageKind int

// The kinds a Message can resolve to. KindInvalid means the field
// combination matches none of the three legal shapes.
const (
	KindInvalid MessageKind = iota
	KindRequest
	KindResponse
	KindNotification
)

// MustString is a type that enforces string representation for fields that can be either string or integer
// on the wire, such as correlation ids and progress tokens. It handles automatic conversion
// during JSON marshaling/unmarshaling.
type MustString string

// Message represents a JSON-RPC 2.0 message exchanged over a CXP connection.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and exactly one of Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
//
// Messages produced by a Codec may hold Params/Result views into the codec's
// internal buffer; call Clone before retaining one past the next Feed call.
type Message struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID correlates request-response pairs and must be a string or number
	ID MustString `json:"id,omitempty"`
	// Method names the capability for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON value
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response payload as a raw JSON value
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *Error `json:"error,omitempty"`
}

// Error represents an error outcome carried on a response message.
// Codes follow the JSON-RPC 2.0 reserved ranges; engine-specific codes are
// listed in the Code* constants.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Info contains metadata about a host or provider instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Tool describes a capability a provider exposes during negotiation: a
// unique name, the schema its arguments are validated against, an optional
// output shape, and behavior flags.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	// OutputSchema optionally advertises the shape of the tool's result.
	// The engine never validates results against it.
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	// SupportsCancel indicates the handler honors cooperative cancellation.
	SupportsCancel bool `json:"supportsCancel,omitempty"`
}

// CallToolParams contains parameters for invoking a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to invoke
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs.
	// Must satisfy the tool's InputSchema.
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Meta carries optional metadata, including a progressToken for
	// tracking invocation progress.
	Meta ParamsMeta `json:"_meta,omitempty"`
}

// ParamsMeta contains optional metadata that can be included with request parameters.
type ParamsMeta struct {
	// ProgressToken uniquely identifies an operation for progress tracking.
	// When provided, the provider can emit progress updates via ProgressReporter.
	ProgressToken MustString `json:"progressToken,omitempty"`
}

// ProgressParams represents the progress status of a long-running invocation.
type ProgressParams struct {
	// ProgressToken identifies the invocation this update relates to
	ProgressToken MustString `json:"progressToken"`
	// Progress is the current progress value
	Progress float64 `json:"progress"`
	// Total is the expected final value when known
	Total float64 `json:"total,omitempty"`
}

type listToolsParams struct{}

type listToolsResult struct {
	Tools []Tool `json:"tools"`
}

type initializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ClientInfo      Info         `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      Info         `json:"serverInfo"`
	Instructions    string       `json:"instructions,omitempty"`
}

type notificationsCancelledParams struct {
	RequestID MustString `json:"requestId"`
	Reason    string     `json:"reason,omitempty"`
}

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodInitialize opens capability negotiation.
	MethodInitialize = "initialize"
	// MethodPing is the liveness check method.
	MethodPing = "ping"
	// MethodShutdown asks the peer to drain and close the connection.
	MethodShutdown = "shutdown"
	// MethodToolsList retrieves the ordered list of advertised tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall invokes a specific tool.
	MethodToolsCall = "tools/call"

	protocolVersion = "2024-11-05"

	methodNotificationsInitialized = "notifications/initialized"
	methodNotificationsCancelled   = "notifications/cancelled"
	methodNotificationsProgress    = "notifications/progress"

	userCancelledReason = "caller requested cancellation"
)

// Engine error codes. The reserved JSON-RPC range covers message-level
// failures; the -32000 block carries connection-lifecycle outcomes.
// Handler-defined errors must use codes greater than -32000.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeToolNotFound       = -32001
	CodeConnectionDraining = -32002
	CodeConnectionClosed   = -32003
)

// Kind classifies the message. A message with both Result and Error set,
// or with none of the discriminating fields, is KindInvalid.
func (m Message) Kind() MessageKind {
	switch {
	case m.Method != "" && m.ID != "":
		if m.Result != nil || m.Error != nil {
			return KindInvalid
		}
		return KindRequest
	case m.Method != "":
		if m.Result != nil || m.Error != nil {
			return KindInvalid
		}
		return KindNotification
	case m.ID != "":
		if m.Result != nil && m.Error != nil {
			return KindInvalid
		}
		return KindResponse
	default:
		return KindInvalid
	}
}

// Clone returns a Message whose raw JSON fields are owned copies, safe to
// retain past the framing cycle that produced the original.
func (m Message) Clone() Message {
	out := m
	if m.Params != nil {
		out.Params = append(json.RawMessage(nil), m.Params...)
	}
	if m.Result != nil {
		out.Result = append(json.RawMessage(nil), m.Result...)
	}
	if m.Error != nil {
		e := *m.Error
		out.Error = &e
	}
	return out
}

// parseMessage decodes one framed record into a Message and checks it
// resolves to a legal kind. Failures are reported as MalformedMessageError.
func parseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, &MalformedMessageError{Reason: fmt.Sprintf("invalid json: %s", err)}
	}
	if msg.JSONRPC != JSONRPCVersion {
		return Message{}, &MalformedMessageError{Reason: fmt.Sprintf("invalid jsonrpc version: %q", msg.JSONRPC)}
	}
	switch msg.Kind() {
	case KindInvalid:
		if msg.Result != nil && msg.Error != nil {
			return Message{}, &MalformedMessageError{Reason: "response carries both result and error"}
		}
		return Message{}, &MalformedMessageError{Reason: "message matches no legal kind"}
	default:
		return msg, nil
	}
}

func newRequestMessage(id MustString, method string, params any) (Message, error) {
	msg := Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}
	return msg, nil
}

func newNotificationMessage(method string, params any) (Message, error) {
	msg := Message{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}
	return msg, nil
}

func newResultMessage(id MustString, result any) (Message, error) {
	resBs, err := json.Marshal(result)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}, nil
}

func newErrorMessage(id MustString, err Error) Message {
	return Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &err,
	}
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		// Ids must survive the string round-trip exactly; fractional values
		// and anything beyond float64's integer precision cannot.
		if v != math.Trunc(v) || math.Abs(v) > 1<<53 {
			return fmt.Errorf("numeric id is not an exactly representable integer: %v", v)
		}
		*m = MustString(strconv.FormatInt(int64(v), 10))
	case int:
		*m = MustString(strconv.Itoa(v))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (e Error) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", e.Code, e.Message, e.Data)
}
