package review

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{name: "plain", reply: "print(1)", want: "print(1)"},
		{name: "fenced with info string", reply: "```python\nprint(1)\n```", want: "print(1)"},
		{name: "bare fence", reply: "```\nx = 1\n```\n", want: "x = 1"},
		{name: "fences mid reply", reply: "Here:\n```js\nlet a\n```\ndone", want: "Here:\nlet a\ndone"},
		{name: "c++ fence", reply: "```c++\nint main() {}\n```", want: "int main() {}"},
		{name: "language line", reply: "Python\nprint(1)", want: "print(1)"},
		{name: "c++ language line", reply: "C++\nint main() {}", want: "int main() {}"},
		{name: "c# language line", reply: "C#\nclass A {}", want: "class A {}"},
		{name: "unknown language line kept", reply: "Golang\nfunc main() {}", want: "Golang\nfunc main() {}"},
		{name: "code that starts with a keyword", reply: "go func() {}()", want: "go func() {}()"},
		{name: "only a language name", reply: "ruby", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.reply); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.reply, got, tt.want)
			}
		})
	}
}

func TestPromptMentionsLanguageAndCode(t *testing.T) {
	p := Prompt("print(1)", "Python")
	if !strings.Contains(p, "expert Python developer") || !strings.Contains(p, "print(1)") {
		t.Errorf("Unexpected prompt: %s", p)
	}
}

type generateRequest struct {
	Contents []struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
}

func newTestClient(t *testing.T, baseURL string) *GeminiClient {
	t.Helper()

	client, err := NewGeminiClient(context.Background(), "secret", "gemini-2.0-flash", baseURL)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

func TestGeminiClientReview(t *testing.T) {
	var gotPath, gotKey string
	var gotBody generateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"` + "```python\\n" + `"},{"text":"print(2)\n` + "```" + `"}]}}]}`))
	}))
	defer srv.Close()

	reply, err := newTestClient(t, srv.URL+"/").Review(context.Background(), "print(1)", "Python")
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}

	if gotPath != "/v1beta/models/gemini-2.0-flash:generateContent" {
		t.Errorf("Unexpected path %s", gotPath)
	}
	if gotKey != "secret" {
		t.Errorf("Expected API key header, got %q", gotKey)
	}
	if len(gotBody.Contents) != 1 || len(gotBody.Contents[0].Parts) == 0 ||
		!strings.Contains(gotBody.Contents[0].Parts[0].Text, "print(1)") {
		t.Errorf("Prompt not sent: %+v", gotBody)
	}
	if got := Clean(reply); got != "print(2)" {
		t.Errorf("Expected print(2) after cleaning, got %q", got)
	}
}

func TestGeminiClientErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "upstream failure", status: http.StatusBadRequest, body: `{"error":{"code":400,"message":"bad","status":"INVALID_ARGUMENT"}}`},
		{name: "no candidates", status: http.StatusOK, body: `{"candidates":[]}`, wantErr: ErrNoReply},
		{name: "garbage", status: http.StatusOK, body: `not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).Review(context.Background(), "x", "go")
			if err == nil {
				t.Fatal("Expected an error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestGeminiClientEmptyCode(t *testing.T) {
	_, err := newTestClient(t, "http://127.0.0.1:1").Review(context.Background(), "", "go")
	if !errors.Is(err, ErrEmptyCode) {
		t.Errorf("Expected ErrEmptyCode, got %v", err)
	}
}
