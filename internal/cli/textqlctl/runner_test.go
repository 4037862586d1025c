package textqlctl

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRunGenerateCommand(t *testing.T) {
	var gotMethod, gotPath, gotAPIKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("X-API-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sql":"SELECT 1","token":"tok"}`))
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"-base-url", srv.URL,
		"-api-key", "k1",
		"generate", "Show", "flights", "from", "JFK",
	}, Options{
		Stdout:  &stdout,
		Stderr:  &stderr,
		Timeout: 2 * time.Second,
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/sql/generate" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if gotAPIKey != "k1" {
		t.Fatalf("api key = %q", gotAPIKey)
	}
	if gotBody["question"] != "Show flights from JFK" {
		t.Fatalf("body = %v", gotBody)
	}
	if !strings.Contains(stdout.String(), `"token": "tok"`) {
		t.Fatalf("stdout = %s", stdout.String())
	}
}

func TestRunExecuteCommandSendsPaging(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"rows":[]}`))
	}))
	defer srv.Close()

	code := Run(context.Background(), []string{"-base-url", srv.URL, "execute", "-page", "3", "-page-size", "20", "tok"}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if gotBody["token"] != "tok" || gotBody["page"] != float64(3) || gotBody["page_size"] != float64(20) {
		t.Fatalf("body = %v", gotBody)
	}
}

func TestRunAskGeneratesThenExecutes(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/v1/sql/generate":
			_, _ = w.Write([]byte(`{"sql":"SELECT origin FROM flights","token":"tok-9"}`))
		case "/v1/sql/execute":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["token"] != "tok-9" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(`{"columns":["origin"],"rows":[["JFK"]]}`))
		}
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "ask", "origins"}, Options{Stdout: &stdout})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if len(paths) != 2 || paths[0] != "/v1/sql/generate" || paths[1] != "/v1/sql/execute" {
		t.Fatalf("paths = %v", paths)
	}
	if !strings.Contains(stdout.String(), "SELECT origin FROM flights") || !strings.Contains(stdout.String(), "JFK") {
		t.Fatalf("stdout = %s", stdout.String())
	}
}

func TestRunFeedbackCommand(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"feedback_id":"f1","example_added":true}`))
	}))
	defer srv.Close()

	code := Run(context.Background(), []string{
		"-base-url", srv.URL,
		"feedback", "-corrected-sql", "SELECT 2", "tok", "rejected",
	}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if gotBody["token"] != "tok" || gotBody["verdict"] != "rejected" || gotBody["corrected_sql"] != "SELECT 2" {
		t.Fatalf("body = %v", gotBody)
	}
}

func TestRunReturnsErrorOnHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte(`{"error_code":"TOKEN_EXPIRED"}`))
	}))
	defer srv.Close()

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "execute", "tok"}, Options{Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "TOKEN_EXPIRED") {
		t.Fatalf("stderr = %s", stderr.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	cases := [][]string{
		{"unknown"},
		{"generate"},
		{"execute"},
		{"feedback", "tok"},
		{},
	}
	for _, args := range cases {
		var stderr bytes.Buffer
		code := Run(context.Background(), args, Options{Stderr: &stderr})
		if code != 2 {
			t.Fatalf("%v: exit code = %d", args, code)
		}
		if stderr.Len() == 0 {
			t.Fatalf("%v: expected usage output", args)
		}
	}
}
