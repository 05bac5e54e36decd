package cxp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	cxp "github.com/contextlink/go-cxp"
)

func echoHandler(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	return args, nil
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := cxp.NewRegistry()

	tool := cxp.Tool{
		Name:        "echo",
		Description: "Returns its arguments unchanged",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}
	if err := reg.Register(tool, cxp.ToolHandlerFunc(echoHandler)); err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}

	got, ok := reg.Lookup("echo")
	if !ok {
		t.Fatal("registered tool not found")
	}
	if got.Name != "echo" || got.Description != tool.Description {
		t.Errorf("Lookup returned %+v", got)
	}

	if _, ok := reg.Lookup("missing"); ok {
		t.Error("Lookup returned a tool that was never registered")
	}
}

func TestRegistryDuplicateName(t *testing.T) {
	reg := cxp.NewRegistry()

	tool := cxp.Tool{Name: "echo"}
	if err := reg.Register(tool, cxp.ToolHandlerFunc(echoHandler)); err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}
	err := reg.Register(tool, cxp.ToolHandlerFunc(echoHandler))
	if !errors.Is(err, cxp.ErrDuplicateTool) {
		t.Errorf("second registration error = %v, want ErrDuplicateTool", err)
	}
	if reg.Len() != 1 {
		t.Errorf("Len() = %d after rejected duplicate, want 1", reg.Len())
	}
}

func TestRegistryRejectsBadRegistration(t *testing.T) {
	reg := cxp.NewRegistry()

	if err := reg.Register(cxp.Tool{}, cxp.ToolHandlerFunc(echoHandler)); err == nil {
		t.Error("expected error for empty tool name, got nil")
	}
	if err := reg.Register(cxp.Tool{Name: "noop"}, nil); err == nil {
		t.Error("expected error for nil handler, got nil")
	}
	err := reg.Register(cxp.Tool{
		Name:        "bad-schema",
		InputSchema: json.RawMessage(`{"pattern":"["}`),
	}, cxp.ToolHandlerFunc(echoHandler))
	if err == nil {
		t.Error("expected error for invalid schema, got nil")
	}
}

func TestRegistryListPreservesRegistrationOrder(t *testing.T) {
	reg := cxp.NewRegistry()

	names := []string{"zeta", "alpha", "mid"}
	for _, name := range names {
		if err := reg.Register(cxp.Tool{Name: name}, cxp.ToolHandlerFunc(echoHandler)); err != nil {
			t.Fatalf("failed to register %s: %v", name, err)
		}
	}

	tools := reg.List()
	if len(tools) != len(names) {
		t.Fatalf("List() returned %d tools, want %d", len(tools), len(names))
	}
	for i, name := range names {
		if tools[i].Name != name {
			t.Errorf("tools[%d].Name = %s, want %s", i, tools[i].Name, name)
		}
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := cxp.NewRegistry()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("tool-%d", i)
			if err := reg.Register(cxp.Tool{Name: name}, cxp.ToolHandlerFunc(echoHandler)); err != nil {
				t.Errorf("failed to register %s: %v", name, err)
			}
		}()
		go func() {
			defer wg.Done()
			// Concurrent readers either miss a tool or see it whole.
			reg.List()
			reg.Lookup(fmt.Sprintf("tool-%d", i))
		}()
	}
	wg.Wait()

	if reg.Len() != 10 {
		t.Errorf("Len() = %d, want 10", reg.Len())
	}
}
