// Package integration exercises ember end to end: the real OpenAI client
// talking to a scripted chat-completions server, the executor, the
// workspace actions and the CLI.
//
// Component tests run in-process:
//
//	go test -tags=integration ./internal/integration/...
//
// CLI tests build the ember binary first:
//
//	go test -tags=e2e ./internal/integration/...
package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// lintCheck reports one violation while src/app.py still imports os.
const lintCheck = `if grep -q "^import os" src/app.py; then echo "src/app.py:1: 1 violation"; exit 1; fi; echo "0 violations"`

// chatRequest is the part of a chat completions request the tests inspect.
type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// modelServer is an OpenAI-compatible endpoint that replays a script. Once
// the script is exhausted it answers 500.
type modelServer struct {
	*httptest.Server

	mu        sync.Mutex
	responses []string
	requests  []chatRequest
}

func newModelServer(t *testing.T, responses ...string) *modelServer {
	t.Helper()
	m := &modelServer{responses: responses}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.Close)
	return m
}

func (m *modelServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/chat/completions" {
		http.NotFound(w, r)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	n := len(m.requests)
	var text string
	ok := n <= len(m.responses)
	if ok {
		text = m.responses[n-1]
	}
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"message": "script exhausted", "type": "server_error"}}`))
		return
	}

	content, _ := json.Marshal(text)
	promptChars := 0
	for _, msg := range req.Messages {
		promptChars += len(msg.Content)
	}
	fmt.Fprintf(w, `{
		"id": "chatcmpl-%d",
		"object": "chat.completion",
		"model": %q,
		"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": %s}}],
		"usage": {"prompt_tokens": %d, "completion_tokens": 10, "total_tokens": %d}
	}`, n, req.Model, content, promptChars/4, promptChars/4+10)
}

// Requests returns the requests received so far.
func (m *modelServer) Requests() []chatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]chatRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// PromptChars returns the total message length of request i.
func (m *modelServer) PromptChars(i int) int {
	reqs := m.Requests()
	total := 0
	for _, msg := range reqs[i].Messages {
		total += len(msg.Content)
	}
	return total
}
