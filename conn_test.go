package cxp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	cxp "github.com/contextlink/go-cxp"
	"github.com/contextlink/go-cxp/providers/filesystem"
)

// startPair wires a server and a connected client over in-process pipes.
func startPair(t *testing.T, registry *cxp.Registry, clientOptions ...cxp.ClientOption) (*cxp.Server, *cxp.Client) {
	t.Helper()

	hostReader, providerWriter := io.Pipe()
	providerReader, hostWriter := io.Pipe()

	server := cxp.NewServer(
		cxp.Info{Name: "test-provider", Version: "1.0"},
		cxp.NewStdIO(providerReader, providerWriter),
		registry,
		cxp.WithInstructions("test instructions"),
	)
	go server.Serve()

	client := cxp.NewClient(
		cxp.Info{Name: "test-host", Version: "1.0"},
		cxp.NewStdIO(hostReader, hostWriter),
		clientOptions...,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(client.Close)

	return server, client
}

func TestNegotiationExposesServerIdentity(t *testing.T) {
	_, client := startPair(t, cxp.NewRegistry())

	if got := client.ServerInfo().Name; got != "test-provider" {
		t.Errorf("ServerInfo().Name = %s, want test-provider", got)
	}
	if got := client.Instructions(); got != "test instructions" {
		t.Errorf("Instructions() = %q, want %q", got, "test instructions")
	}
	caps := client.Capabilities()
	if caps.Tools == nil {
		t.Error("negotiated capabilities missing tools")
	}
}

func TestListToolsPreservesRegistrationOrder(t *testing.T) {
	registry := cxp.NewRegistry()
	for _, name := range []string{"third", "first", "second"} {
		if err := registry.Register(cxp.Tool{Name: name}, cxp.ToolHandlerFunc(echoHandler)); err != nil {
			t.Fatal(err)
		}
	}

	_, client := startPair(t, registry)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tools, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}

	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	if diff := cmp.Diff([]string{"third", "first", "second"}, names); diff != "" {
		t.Errorf("tool order mismatch (-want +got):\n%s", diff)
	}
}

func TestCallToolSuccess(t *testing.T) {
	registry := cxp.NewRegistry()
	err := registry.Register(cxp.Tool{
		Name:        "greet",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
	}, cxp.ToolHandlerFunc(func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
		var params struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"greeting": "hello " + params.Name})
	}))
	if err != nil {
		t.Fatal(err)
	}

	_, client := startPair(t, registry)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := client.CallTool(ctx, cxp.CallToolParams{
		Name:      "greet",
		Arguments: json.RawMessage(`{"name":"world"}`),
	})
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}

	var result map[string]string
	if err := json.Unmarshal(res, &result); err != nil {
		t.Fatal(err)
	}
	if result["greeting"] != "hello world" {
		t.Errorf("greeting = %q, want %q", result["greeting"], "hello world")
	}
}

func TestCallToolUnknownNameSkipsHandler(t *testing.T) {
	invoked := make(chan struct{}, 1)
	registry := cxp.NewRegistry()
	err := registry.Register(cxp.Tool{Name: "known"},
		cxp.ToolHandlerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
			invoked <- struct{}{}
			return nil, nil
		}))
	if err != nil {
		t.Fatal(err)
	}

	_, client := startPair(t, registry)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = client.CallTool(ctx, cxp.CallToolParams{Name: "unknown"})
	var wireErr *cxp.Error
	if !errors.As(err, &wireErr) {
		t.Fatalf("CallTool error = %v, want wire error", err)
	}
	if wireErr.Code != cxp.CodeToolNotFound {
		t.Errorf("error code = %d, want %d", wireErr.Code, cxp.CodeToolNotFound)
	}

	select {
	case <-invoked:
		t.Error("handler invoked for a tool that does not exist")
	default:
	}
}

func TestCallToolRejectedArgumentsSkipHandler(t *testing.T) {
	invoked := make(chan struct{}, 1)
	registry := cxp.NewRegistry()
	err := registry.Register(cxp.Tool{
		Name:        "typed",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"x":{"type":"number"}},"required":["x"]}`),
	}, cxp.ToolHandlerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		invoked <- struct{}{}
		return nil, nil
	}))
	if err != nil {
		t.Fatal(err)
	}

	_, client := startPair(t, registry)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// No coercion: a string is not a number.
	_, err = client.CallTool(ctx, cxp.CallToolParams{
		Name:      "typed",
		Arguments: json.RawMessage(`{"x":"5"}`),
	})
	var wireErr *cxp.Error
	if !errors.As(err, &wireErr) {
		t.Fatalf("CallTool error = %v, want wire error", err)
	}
	if wireErr.Code != cxp.CodeInvalidParams {
		t.Errorf("error code = %d, want %d", wireErr.Code, cxp.CodeInvalidParams)
	}
	if wireErr.Data["rejections"] == nil {
		t.Error("error data carries no rejection reasons")
	}

	select {
	case <-invoked:
		t.Error("handler invoked despite rejected arguments")
	default:
	}
}

func TestCallToolHandlerWireError(t *testing.T) {
	registry := cxp.NewRegistry()
	err := registry.Register(cxp.Tool{Name: "failing"},
		cxp.ToolHandlerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, &cxp.Error{Code: -31000, Message: "domain failure"}
		}))
	if err != nil {
		t.Fatal(err)
	}

	_, client := startPair(t, registry)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = client.CallTool(ctx, cxp.CallToolParams{Name: "failing"})
	var wireErr *cxp.Error
	if !errors.As(err, &wireErr) {
		t.Fatalf("CallTool error = %v, want wire error", err)
	}
	if wireErr.Code != -31000 {
		t.Errorf("error code = %d, want -31000 preserved from the handler", wireErr.Code)
	}
}

func TestCallToolProgressUpdates(t *testing.T) {
	progressUpdates := make(chan cxp.ProgressParams, 10)

	registry := cxp.NewRegistry()
	err := registry.Register(cxp.Tool{Name: "slow", SupportsCancel: true},
		cxp.ToolHandlerFunc(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			reporter, ok := cxp.ProgressReporterFromContext(ctx)
			if !ok {
				return nil, errors.New("no progress reporter attached")
			}
			reporter(1, 2)
			reporter(2, 2)
			return json.RawMessage(`{}`), nil
		}))
	if err != nil {
		t.Fatal(err)
	}

	_, client := startPair(t, registry, cxp.WithClientOnProgress(func(params cxp.ProgressParams) {
		progressUpdates <- params
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = client.CallTool(ctx, cxp.CallToolParams{
		Name: "slow",
		Meta: cxp.ParamsMeta{ProgressToken: "tok-1"},
	})
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}

	for want := 1.0; want <= 2.0; want++ {
		select {
		case update := <-progressUpdates:
			if update.ProgressToken != "tok-1" {
				t.Errorf("progress token = %s, want tok-1", update.ProgressToken)
			}
			if update.Progress != want {
				t.Errorf("progress = %v, want %v", update.Progress, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for progress update")
		}
	}
}

func TestCallToolCancellationReachesHandler(t *testing.T) {
	handlerCancelled := make(chan struct{})

	registry := cxp.NewRegistry()
	err := registry.Register(cxp.Tool{Name: "blocking", SupportsCancel: true},
		cxp.ToolHandlerFunc(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			close(handlerCancelled)
			return nil, ctx.Err()
		}))
	if err != nil {
		t.Fatal(err)
	}

	_, client := startPair(t, registry)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = client.CallTool(ctx, cxp.CallToolParams{Name: "blocking"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("CallTool error = %v, want context.DeadlineExceeded", err)
	}

	select {
	case <-handlerCancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation never reached the handler")
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	registry := cxp.NewRegistry()
	err := registry.Register(cxp.Tool{Name: "stuck"},
		cxp.ToolHandlerFunc(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	if err != nil {
		t.Fatal(err)
	}

	_, client := startPair(t, registry)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	callErrs := make(chan error, 1)
	go func() {
		_, err := client.CallTool(ctx, cxp.CallToolParams{Name: "stuck"})
		callErrs <- err
	}()

	// Give the request time to go out before tearing down.
	time.Sleep(100 * time.Millisecond)
	client.Close()

	select {
	case err := <-callErrs:
		var wireErr *cxp.Error
		if !errors.As(err, &wireErr) {
			t.Fatalf("pending call error = %v, want wire error", err)
		}
		if wireErr.Code != cxp.CodeConnectionClosed {
			t.Errorf("error code = %d, want %d", wireErr.Code, cxp.CodeConnectionClosed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call never resolved after close")
	}

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done channel never closed")
	}
}

func TestShutdownDrainsConnection(t *testing.T) {
	_, client := startPair(t, cxp.NewRegistry())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Shutdown(ctx); err != nil {
		t.Fatalf("failed to shutdown: %v", err)
	}

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection never closed after shutdown")
	}

	if _, err := client.CallTool(ctx, cxp.CallToolParams{Name: "anything"}); err == nil {
		t.Error("CallTool succeeded on a closed connection")
	}
}

func TestRequestBeforeInitializeClosesConnection(t *testing.T) {
	hostReader, providerWriter := io.Pipe()
	providerReader, hostWriter := io.Pipe()

	violations := make(chan error, 1)
	server := cxp.NewServer(
		cxp.Info{Name: "strict-provider", Version: "1.0"},
		cxp.NewStdIO(providerReader, providerWriter),
		cxp.NewRegistry(),
		cxp.WithServerOnViolation(func(_ string, err error) {
			select {
			case violations <- err:
			default:
			}
		}),
	)
	go server.Serve()

	// Speak raw protocol: a tools/list request with no negotiation first.
	if _, err := hostWriter.Write([]byte(`{"jsonrpc":"2.0","id":"1","method":"tools/list"}` + "\n")); err != nil {
		t.Fatal(err)
	}

	lineCh := make(chan string, 1)
	go func() {
		line, err := bufio.NewReader(hostReader).ReadString('\n')
		if err == nil {
			lineCh <- line
		}
	}()

	var response cxp.Message
	select {
	case line := <-lineCh:
		if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &response); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for error response")
	}

	if response.Error == nil {
		t.Fatalf("response carries no error: %+v", response)
	}
	if response.Error.Code != cxp.CodeInvalidRequest {
		t.Errorf("error code = %d, want %d", response.Error.Code, cxp.CodeInvalidRequest)
	}

	select {
	case err := <-violations:
		var oooErr *cxp.OutOfOrderError
		if !errors.As(err, &oooErr) {
			t.Errorf("violation = %v, want OutOfOrderError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("violation callback never fired")
	}
}

func TestShutdownWaitsForPendingCalls(t *testing.T) {
	registry := cxp.NewRegistry()
	err := registry.Register(cxp.Tool{Name: "slow_but_finite"},
		cxp.ToolHandlerFunc(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			select {
			case <-time.After(300 * time.Millisecond):
				return json.RawMessage(`{"done":true}`), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))
	if err != nil {
		t.Fatal(err)
	}

	_, client := startPair(t, registry)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type callResult struct {
		res json.RawMessage
		err error
	}
	callResults := make(chan callResult, 1)
	go func() {
		res, err := client.CallTool(ctx, cxp.CallToolParams{Name: "slow_but_finite"})
		callResults <- callResult{res: res, err: err}
	}()

	// Shut down while the invocation is still running; draining must let it
	// finish rather than fail it with connection closed.
	time.Sleep(100 * time.Millisecond)
	if err := client.Shutdown(ctx); err != nil {
		t.Fatalf("failed to shutdown: %v", err)
	}

	select {
	case cr := <-callResults:
		if cr.err != nil {
			t.Fatalf("pending call failed during drain: %v", cr.err)
		}
		var result struct {
			Done bool `json:"done"`
		}
		if err := json.Unmarshal(cr.res, &result); err != nil {
			t.Fatal(err)
		}
		if !result.Done {
			t.Errorf("result = %s, want the handler's completion payload", cr.res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call never resolved")
	}

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection never closed after drain")
	}
}

func TestFailedNegotiationClosesConnection(t *testing.T) {
	hostReader, providerWriter := io.Pipe()
	providerReader, hostWriter := io.Pipe()

	disconnected := make(chan string, 1)
	server := cxp.NewServer(
		cxp.Info{Name: "strict-provider", Version: "1.0"},
		cxp.NewStdIO(providerReader, providerWriter),
		cxp.NewRegistry(),
		cxp.WithServerOnHostDisconnected(func(sessionID string) {
			select {
			case disconnected <- sessionID:
			default:
			}
		}),
	)
	go server.Serve()

	// Speak raw protocol: an initialize request with a protocol version the
	// provider does not support.
	init := `{"jsonrpc":"2.0","id":"1","method":"initialize","params":` +
		`{"protocolVersion":"9999-01-01","capabilities":{},` +
		`"clientInfo":{"name":"raw-host","version":"1.0"}}}` + "\n"
	if _, err := hostWriter.Write([]byte(init)); err != nil {
		t.Fatal(err)
	}

	lineCh := make(chan string, 1)
	go func() {
		line, err := bufio.NewReader(hostReader).ReadString('\n')
		if err == nil {
			lineCh <- line
		}
	}()

	var response cxp.Message
	select {
	case line := <-lineCh:
		if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &response); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for error response")
	}

	if response.Error == nil {
		t.Fatalf("response carries no error: %+v", response)
	}
	if response.Error.Code != cxp.CodeInvalidParams {
		t.Errorf("error code = %d, want %d", response.Error.Code, cxp.CodeInvalidParams)
	}

	// The rejected negotiation must kill the connection, not leave it
	// answering requests in a half-initialized state.
	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("connection stayed open after rejected negotiation")
	}
}

func TestUnknownResponseIDSurfacesViolation(t *testing.T) {
	hostReader, providerWriter := io.Pipe()
	providerReader, hostWriter := io.Pipe()

	violations := make(chan error, 1)
	server := cxp.NewServer(
		cxp.Info{Name: "strict-provider", Version: "1.0"},
		cxp.NewStdIO(providerReader, providerWriter),
		cxp.NewRegistry(),
		cxp.WithServerOnViolation(func(_ string, err error) {
			select {
			case violations <- err:
			default:
			}
		}),
	)
	go server.Serve()

	messages := make(chan cxp.Message, 4)
	go func() {
		reader := bufio.NewReader(hostReader)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			var msg cxp.Message
			if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &msg); err != nil {
				continue
			}
			messages <- msg
		}
	}()
	nextMessage := func() cxp.Message {
		t.Helper()
		select {
		case msg := <-messages:
			return msg
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for message")
			return cxp.Message{}
		}
	}
	write := func(frame string) {
		t.Helper()
		if _, err := hostWriter.Write([]byte(frame + "\n")); err != nil {
			t.Fatal(err)
		}
	}

	// Speak raw protocol through the full handshake.
	write(`{"jsonrpc":"2.0","id":"1","method":"initialize","params":` +
		`{"protocolVersion":"2024-11-05","capabilities":{},` +
		`"clientInfo":{"name":"raw-host","version":"1.0"}}}`)
	if msg := nextMessage(); msg.ID != "1" || msg.Result == nil {
		t.Fatalf("initialize response = %+v, want result with id 1", msg)
	}
	write(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	// A response matching no request we ever issued.
	write(`{"jsonrpc":"2.0","id":"99","result":{}}`)

	select {
	case err := <-violations:
		var unknownErr *cxp.UnknownIDError
		if !errors.As(err, &unknownErr) {
			t.Errorf("violation = %v, want UnknownIDError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("violation callback never fired")
	}

	// Not fatal: the connection keeps serving.
	write(`{"jsonrpc":"2.0","id":"2","method":"ping"}`)
	if msg := nextMessage(); msg.ID != "2" || msg.Result == nil {
		t.Errorf("ping response = %+v, want result with id 2", msg)
	}
}

func TestFilesystemProviderOverConnection(t *testing.T) {
	root := t.TempDir()

	provider, err := filesystem.NewProvider([]string{root})
	if err != nil {
		t.Fatal(err)
	}
	registry := cxp.NewRegistry()
	if err := provider.Register(registry); err != nil {
		t.Fatal(err)
	}

	_, client := startPair(t, registry)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	writeArgs, _ := json.Marshal(map[string]string{"path": "note.txt", "content": "remember"})
	if _, err := client.CallTool(ctx, cxp.CallToolParams{Name: "write_file", Arguments: writeArgs}); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	readArgs, _ := json.Marshal(map[string]string{"path": "note.txt"})
	res, err := client.CallTool(ctx, cxp.CallToolParams{Name: "read_file", Arguments: readArgs})
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}

	var file struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(res, &file); err != nil {
		t.Fatal(err)
	}
	if file.Content != "remember" {
		t.Errorf("content = %q, want %q", file.Content, "remember")
	}
}
