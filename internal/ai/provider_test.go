package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/suPer8Hu/tablechat/internal/common"
)

func TestParseCodeReply(t *testing.T) {
	cases := []struct {
		name, raw, code string
		wantErr         bool
	}{
		{"plain", `{"code":"df.rows.length","comment":"count"}`, "df.rows.length", false},
		{"fenced json", "```json\n{\"code\":\"1+1\",\"comment\":\"\"}\n```", "1+1", false},
		{"fenced code", `{"code":"` + "```js\\nresult = 2\\n```" + `","comment":"c"}`, "result = 2", false},
		{"not json", "sure, here you go", "", true},
		{"missing code", `{"comment":"nothing"}`, "", true},
		{"empty", "  ", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseCodeReply(tc.raw)
			if tc.wantErr {
				if !errors.Is(err, ErrMalformedOutput) {
					t.Fatalf("err = %v, want ErrMalformedOutput", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got.Code != tc.code {
				t.Fatalf("code = %q, want %q", got.Code, tc.code)
			}
		})
	}
}

func TestOpenRouter_GenerateSendsSchema(t *testing.T) {
	var got openRouterChatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"code\":\"df\",\"comment\":\"ok\"}"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "k", "m", "", "")
	reply, err := p.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}}, CodeSchema)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply.Code != "df" || reply.Comment != "ok" {
		t.Fatalf("reply = %+v", reply)
	}
	if got.ResponseFormat.Type != "json_schema" || got.ResponseFormat.JSONSchema.Name != CodeSchema.Name {
		t.Fatalf("response_format = %+v", got.ResponseFormat)
	}
	if got.Temperature != 0 || got.TopP != 0.95 || got.Stream {
		t.Fatalf("sampling = %v/%v stream=%v", got.Temperature, got.TopP, got.Stream)
	}
}

func TestOpenRouter_ErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow"}}`, ErrRateLimited},
		{"upstream down", http.StatusBadGateway, `bad gateway`, ErrProviderUnavailable},
		{"in-body 429", http.StatusOK, `{"error":{"code":429,"message":"slow"}}`, ErrRateLimited},
		{"garbage", http.StatusOK, `{"choices":[{"message":{"content":"not json"}}]}`, ErrMalformedOutput},
		{"no choices", http.StatusOK, `{"choices":[]}`, ErrMalformedOutput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			p := NewOpenRouterProvider(srv.URL, "k", "m", "", "")
			if _, err := p.Generate(context.Background(), nil, CodeSchema); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestOpenRouter_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	p := NewOpenRouterProvider(url, "k", "m", "", "")
	if _, err := p.Generate(context.Background(), nil, CodeSchema); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("err = %v, want ErrProviderUnavailable", err)
	}
}

func TestOpenRouter_MissingCredentialsIsConfigError(t *testing.T) {
	for name, p := range map[string]*OpenRouterProvider{
		"no key":   NewOpenRouterProvider("", " ", "m", "", ""),
		"no model": NewOpenRouterProvider("", "k", "", "", ""),
	} {
		if _, err := p.Generate(context.Background(), nil, CodeSchema); !errors.Is(err, common.ErrConfig) {
			t.Fatalf("%s: err = %v, want ErrConfig", name, err)
		}
	}
}

func TestOllama_GenerateUsesFormat(t *testing.T) {
	var got ollamaChatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"{\"code\":\"df.columns\",\"comment\":\"cols\"}"},"done":true}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "llama3")
	reply, err := p.Generate(context.Background(), []Message{{Role: "user", Content: "q"}}, CodeSchema)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply.Code != "df.columns" {
		t.Fatalf("reply = %+v", reply)
	}
	if got.Format["type"] != "object" || got.Options.TopP != 0.95 {
		t.Fatalf("request = %+v", got)
	}
}

func TestOpenAI_Generate(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant",
			"content":"{\"code\":\"df.rows.length\",\"comment\":\"rows\"}"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("k", srv.URL+"/v1/", "m")
	reply, err := p.Generate(context.Background(), []Message{{Role: "system", Content: "s"}, {Role: "user", Content: "q"}}, CodeSchema)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply.Code != "df.rows.length" || reply.Comment != "rows" {
		t.Fatalf("reply = %+v", reply)
	}
	rf, _ := body["response_format"].(map[string]any)
	if rf["type"] != "json_schema" {
		t.Fatalf("response_format = %v", body["response_format"])
	}
}

func TestOpenAI_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_exceeded"}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("k", srv.URL+"/v1/", "m")
	if _, err := p.Generate(context.Background(), nil, CodeSchema); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterSpec("Local", Spec{Kind: "ollama", Model: "llama3"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.RegisterSpec("x", Spec{Kind: "carrier-pigeon"}); !errors.Is(err, common.ErrConfig) {
		t.Fatalf("unknown kind err = %v", err)
	}
	p, err := r.Get(context.Background(), " local ", "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op, ok := p.(*OllamaProvider); !ok || op.Model != "llama3" {
		t.Fatalf("provider = %#v", p)
	}
	if _, err := r.Get(context.Background(), "nope", ""); !errors.Is(err, common.ErrConfig) {
		t.Fatalf("unknown provider err = %v", err)
	}
	if names := r.Names(); len(names) != 1 || names[0] != "local" {
		t.Fatalf("names = %v", names)
	}
}
