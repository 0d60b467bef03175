package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChatParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if body["model"] != "test-model" {
			t.Errorf("model = %v", body["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "list_dir", "arguments": "{\"path\": \".\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer srv.Close()

	p := NewOpenAICompatible("lmstudio", srv.URL+"/v1", "", "test-model")
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "list"}},
		Tools: []ToolDefinition{{
			Type:     "function",
			Function: FunctionDef{Name: "list_dir", Parameters: map[string]any{"type": "object"}},
		}},
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "list_dir" || tc.Arguments["path"] != "." {
		t.Errorf("unexpected tool call: %+v", tc)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestChatServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewOpenAICompatible("llamacpp", srv.URL, "", "m")
	_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTransient(err) {
		t.Errorf("5xx should be transient, got %v", err)
	}
}

func TestChatClientErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewOpenAICompatible("ollama", srv.URL, "", "m")
	_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransient(err) {
		t.Errorf("4xx should not be transient: %v", err)
	}
}

func TestResolveDefaults(t *testing.T) {
	cases := []struct {
		id   string
		ok   bool
		base string
	}{
		{"lmstudio", true, "http://localhost:1234/v1"},
		{"llamacpp", true, "http://localhost:8080/v1"},
		{"ollama", true, "http://localhost:11434/v1"},
		{"openai-compatible", false, ""},
		{"cloud-thing", false, ""},
	}
	for _, tc := range cases {
		p, err := Resolve(tc.id, "", "", "m")
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.id, err)
			continue
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("%s: expected error", tc.id)
			}
			continue
		}
		oc := p.(*OpenAICompatible)
		if oc.apiBase != tc.base {
			t.Errorf("%s: base = %s, want %s", tc.id, oc.apiBase, tc.base)
		}
	}
}

func TestScriptedConsumesOneStepPerCall(t *testing.T) {
	p := NewScripted("m",
		Step("", ToolCall{ID: "1", Name: "list_dir", Arguments: map[string]any{"path": "."}}),
		Step("final"),
	)
	first, err := p.Chat(context.Background(), &ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(first.ToolCalls) != 1 {
		t.Errorf("first step tool calls = %d", len(first.ToolCalls))
	}
	second, err := p.Chat(context.Background(), &ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if second.Content != "final" {
		t.Errorf("second step = %+v", second)
	}
	if _, err := p.Chat(context.Background(), &ChatRequest{}); err == nil {
		t.Error("exhausted script should error")
	}
}
