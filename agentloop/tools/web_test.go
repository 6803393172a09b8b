package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newWebRegistry(t *testing.T, srv *httptest.Server) *Registry {
	t.Helper()
	return NewBuiltinRegistry(NewLocalEnvironment(t.TempDir()), Options{
		HTTPClient: srv.Client(),
		SearchURL:  srv.URL,
	})
}

func TestFetchTool(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != fetchUserAgent {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>T</title><script>var x = 1;</script></head>
<body><nav>menu</nav><h1>Guide</h1><p>Read the <a href="/docs">docs</a> and <b>run</b> <code>go test</code>.</p>
<ul><li>one</li><li>two</li></ul></body></html>`)
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"a":1}`)
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "just text")
	})
	mux.HandleFunc("/empty", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><script>only()</script></html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	reg := newWebRegistry(t, srv)

	tests := []struct {
		path    string
		want    []string
		absent  []string
		wantErr bool
	}{
		{
			path:   "/page",
			want:   []string{"# Guide", "Read the [docs](/docs) and **run** `go test`.", "- one\n- two"},
			absent: []string{"var x", "menu", "T\n"},
		},
		{path: "/data", want: []string{"```json\n{\n  \"a\": 1\n}\n```"}},
		{path: "/plain", want: []string{"just text"}},
		{path: "/empty", wantErr: true},
		{path: "/missing", want: []string{"HTTP 404"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			out, isErr := run(t, reg, "fetch", map[string]any{"url": srv.URL + tt.path})
			if isErr != tt.wantErr {
				t.Fatalf("isErr = %v, output %q", isErr, out)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("missing %q in %q", w, out)
				}
			}
			for _, a := range tt.absent {
				if strings.Contains(out, a) {
					t.Errorf("unexpected %q in %q", a, out)
				}
			}
		})
	}
}

func TestFetchAssumesHTTPS(t *testing.T) {
	var got string
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		got = r.URL.String()
		return nil, fmt.Errorf("offline")
	})}
	if _, err := fetchURL(context.Background(), client, "example.com/x"); err == nil {
		t.Fatal("expected the transport error")
	}
	if got != "https://example.com/x" {
		t.Errorf("requested %q", got)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestWebSearchTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.URL.Query().Get("format") != "json" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("q") == "nothing" {
			fmt.Fprint(w, `{"results":[]}`)
			return
		}
		fmt.Fprint(w, `{"results":[
			{"url":"https://go.dev","title":"Go","content":"The Go language"},
			{"url":"","title":"skipped","content":""},
			{"url":"https://pkg.go.dev","title":"Packages","content":""},
			{"url":"https://example.com","title":"Third","content":"x"}
		],"infoboxes":[{"infobox":"Go","id":"go","content":"A language."}]}`)
	}))
	defer srv.Close()
	reg := newWebRegistry(t, srv)

	out, isErr := run(t, reg, "web_search", map[string]any{"query": "golang", "limit": 2})
	if isErr {
		t.Fatalf("unexpected error %q", out)
	}
	want := "## Go\nA language.\n\n- [Go](https://go.dev) - The Go language\n- [Packages](https://pkg.go.dev)"
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}

	if out, _ := run(t, reg, "web_search", map[string]any{"query": "nothing"}); out != "No results found." {
		t.Errorf("unexpected empty output %q", out)
	}
	if _, isErr := run(t, reg, "web_search", map[string]any{}); !isErr {
		t.Error("query is required")
	}
}

func TestWebSearchOnlyWithURL(t *testing.T) {
	reg := NewBuiltinRegistry(NewLocalEnvironment(t.TempDir()), Options{})
	if _, ok := reg.Get("web_search"); ok {
		t.Error("web_search needs a search URL")
	}
	if _, ok := reg.Get("fetch"); !ok {
		t.Error("fetch is always available")
	}
}
