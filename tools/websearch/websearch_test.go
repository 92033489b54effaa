package websearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

// roundTripFunc lets a test script the Brave API response.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func scriptedTool(status int, body string, capture **http.Request) *Tool {
	t := New("test-key")
	t.httpClient = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if capture != nil {
			*capture = r
		}
		return &http.Response{
			StatusCode: status,
			Body:       io.NopCloser(strings.NewReader(body)),
			Header:     make(http.Header),
		}, nil
	})}
	return t
}

func TestExecute_InvalidArgs(t *testing.T) {
	res, err := New("k").Execute(context.Background(), json.RawMessage(`{"query":`), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(res.Error, "invalid args") {
		t.Errorf("result %+v", res)
	}
}

func TestExecute_EmptyQuery(t *testing.T) {
	res, err := New("k").Execute(context.Background(), json.RawMessage(`{"query":"  "}`), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Error != "empty query" {
		t.Errorf("result %+v", res)
	}
}

func TestExecute_Unconfigured(t *testing.T) {
	res, err := New("").Execute(context.Background(), json.RawMessage(`{"query":"weather"}`), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Error != "web search is not configured" {
		t.Errorf("result %+v", res)
	}
}

func TestExecute_FormatsResults(t *testing.T) {
	var req *http.Request
	tool := scriptedTool(http.StatusOK, `{
		"web": {"results": [
			{"title": "Result One", "url": "https://one.example", "description": "first snippet"},
			{"title": "Result Two", "url": "https://two.example", "description": "second snippet"}
		]}
	}`, &req)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"go testing"}`), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("result %+v", res)
	}
	for _, want := range []string{"[1] Result One", "https://one.example", "[2] Result Two", "second snippet"} {
		if !strings.Contains(res.Content, want) {
			t.Errorf("missing %q in:\n%s", want, res.Content)
		}
	}
	if req.Header.Get("X-Subscription-Token") != "test-key" {
		t.Errorf("auth header %q", req.Header.Get("X-Subscription-Token"))
	}
	if got := req.URL.Query().Get("q"); got != "go testing" {
		t.Errorf("query param %q", got)
	}
}

func TestExecute_NoResults(t *testing.T) {
	tool := scriptedTool(http.StatusOK, `{"web": {"results": []}}`, nil)
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"xyzzy"}`), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(res.Content, `No results found for "xyzzy"`) {
		t.Errorf("result %+v", res)
	}
}

func TestExecute_APIErrorBecomesToolError(t *testing.T) {
	tool := scriptedTool(http.StatusTooManyRequests, `rate limited`, nil)
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"news"}`), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(res.Error, "brave API 429") {
		t.Errorf("result %+v", res)
	}
}

func TestFormat_TrimsTrailingBlankLines(t *testing.T) {
	out := format([]result{{Title: "T", URL: "u", Snippet: "s"}})
	if strings.HasSuffix(out, "\n") {
		t.Errorf("trailing newline in %q", out)
	}
}
