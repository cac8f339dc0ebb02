package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"modelgate/internal/core"
)

type fakeCompleter struct {
	resp *core.ChatResponse
	err  error
	reqs []*core.ChatRequest
}

func (f *fakeCompleter) Complete(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func testDispatcher(c Completer) *GatewayDispatcher {
	return NewDispatcher(c, "modelgate", "test", nil)
}

func request(id, method, params string) *Request {
	req := &Request{JSONRPC: Version, Method: method}
	if id != "" {
		req.ID = json.RawMessage(id)
	}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	return req
}

func TestDispatchInitialize(t *testing.T) {
	d := testDispatcher(&fakeCompleter{})
	resp := d.Dispatch(context.Background(), request("1", "initialize", ""))
	if resp == nil || resp.Error != nil {
		t.Fatalf("initialize: %+v", resp)
	}
	result := resp.Result.(map[string]any)
	info := result["serverInfo"].(map[string]any)
	if info["name"] != "modelgate" {
		t.Errorf("serverInfo = %v", info)
	}
}

func TestDispatchToolsList(t *testing.T) {
	d := testDispatcher(&fakeCompleter{})
	resp := d.Dispatch(context.Background(), request("2", "tools/list", ""))
	if resp == nil || resp.Error != nil {
		t.Fatalf("tools/list: %+v", resp)
	}
	tools := resp.Result.(map[string]any)["tools"].([]any)
	if len(tools) != 1 || tools[0].(map[string]any)["name"] != "chat" {
		t.Errorf("tools = %v", tools)
	}
}

func TestDispatchToolsCallChat(t *testing.T) {
	fc := &fakeCompleter{resp: &core.ChatResponse{
		Choices: []core.Choice{{Message: core.Message{Role: "assistant", Content: "hi there"}}},
	}}
	d := testDispatcher(fc)
	params := `{"name":"chat","arguments":{"messages":[{"role":"user","content":"hi"}]}}`
	resp := d.Dispatch(context.Background(), request("3", "tools/call", params))
	if resp == nil || resp.Error != nil {
		t.Fatalf("tools/call: %+v", resp)
	}
	content := resp.Result.(map[string]any)["content"].([]any)
	if content[0].(map[string]any)["text"] != "hi there" {
		t.Errorf("content = %v", content)
	}
	if len(fc.reqs) != 1 || len(fc.reqs[0].Messages) != 1 {
		t.Errorf("completer saw %+v", fc.reqs)
	}
}

func TestDispatchToolsCallValidationError(t *testing.T) {
	d := testDispatcher(&fakeCompleter{err: core.NewValidationError("empty-messages", nil)})
	resp := d.Dispatch(context.Background(), request("4", "tools/call", `{"name":"chat","arguments":{}}`))
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("want invalid params, got %+v", resp)
	}
}

func TestDispatchToolsCallProviderFailureIsToolResult(t *testing.T) {
	d := testDispatcher(&fakeCompleter{err: core.NewProviderError(502, "upstream down", nil)})
	resp := d.Dispatch(context.Background(), request("5", "tools/call", `{"name":"chat","arguments":{"messages":[{"role":"user","content":"x"}]}}`))
	if resp.Error != nil {
		t.Fatalf("provider failure escalated to protocol error: %+v", resp.Error)
	}
	if resp.Result.(map[string]any)["isError"] != true {
		t.Errorf("result = %+v", resp.Result)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	d := testDispatcher(&fakeCompleter{})
	resp := d.Dispatch(context.Background(), request("6", "bogus/method", ""))
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("want method not found, got %+v", resp)
	}
}

func TestDispatchNotificationIsSilent(t *testing.T) {
	d := testDispatcher(&fakeCompleter{})
	if resp := d.Dispatch(context.Background(), request("", "notifications/initialized", "")); resp != nil {
		t.Fatalf("notification produced a response: %+v", resp)
	}
}
