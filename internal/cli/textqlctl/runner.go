package textqlctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("textqlctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "textql API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 30*time.Second), "HTTP timeout (e.g. 30s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	httpClient := defaults.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: *timeout}
	}
	c := client{http: httpClient, baseURL: strings.TrimRight(*baseURL, "/"), apiKey: strings.TrimSpace(*apiKey)}

	command := strings.TrimSpace(fs.Arg(0))
	rest := fs.Args()[1:]

	var (
		body []byte
		err  error
	)
	switch command {
	case "health":
		body, err = c.do(ctx, http.MethodGet, "/v1/health", nil)
	case "ready":
		body, err = c.do(ctx, http.MethodGet, "/v1/ready", nil)
	case "schema":
		body, err = c.do(ctx, http.MethodGet, "/v1/schema", nil)
	case "generate":
		if len(rest) == 0 {
			return usageError(stderr, "generate requires a question")
		}
		body, err = c.do(ctx, http.MethodPost, "/v1/sql/generate", map[string]any{"question": strings.Join(rest, " ")})
	case "execute":
		body, err = runExecute(ctx, c, rest, stderr)
	case "ask":
		body, err = runAsk(ctx, c, rest, stderr)
	case "feedback":
		body, err = runFeedback(ctx, c, rest, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
	if err != nil {
		var usage usageErr
		if errors.As(err, &usage) {
			return usageError(stderr, usage.msg)
		}
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	if pretty, ok := prettyJSON(body); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(body) > 0 {
		_, _ = fmt.Fprintln(stdout, string(body))
	}
	return 0
}

func runExecute(ctx context.Context, c client, args []string, stderr io.Writer) ([]byte, error) {
	fs := flag.NewFlagSet("execute", flag.ContinueOnError)
	fs.SetOutput(stderr)
	page := fs.Int("page", 1, "1-based result page")
	pageSize := fs.Int("page-size", 0, "rows per page; 0 uses the server default")
	if err := fs.Parse(args); err != nil {
		return nil, usageErr{msg: err.Error()}
	}
	if fs.NArg() != 1 {
		return nil, usageErr{msg: "execute requires exactly one token"}
	}
	return c.do(ctx, http.MethodPost, "/v1/sql/execute", map[string]any{
		"token":     fs.Arg(0),
		"page":      *page,
		"page_size": *pageSize,
	})
}

// runAsk generates SQL for a question and immediately executes it, printing
// both the statement and the first page.
func runAsk(ctx context.Context, c client, args []string, stderr io.Writer) ([]byte, error) {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	fs.SetOutput(stderr)
	pageSize := fs.Int("page-size", 0, "rows per page; 0 uses the server default")
	if err := fs.Parse(args); err != nil {
		return nil, usageErr{msg: err.Error()}
	}
	if fs.NArg() == 0 {
		return nil, usageErr{msg: "ask requires a question"}
	}

	raw, err := c.do(ctx, http.MethodPost, "/v1/sql/generate", map[string]any{"question": strings.Join(fs.Args(), " ")})
	if err != nil {
		return nil, err
	}
	var generated struct {
		SQL   string `json:"sql"`
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &generated); err != nil {
		return nil, fmt.Errorf("decode generate response: %w", err)
	}

	page, err := c.do(ctx, http.MethodPost, "/v1/sql/execute", map[string]any{
		"token":     generated.Token,
		"page":      1,
		"page_size": *pageSize,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"sql":    generated.SQL,
		"token":  generated.Token,
		"result": json.RawMessage(page),
	})
}

func runFeedback(ctx context.Context, c client, args []string, stderr io.Writer) ([]byte, error) {
	fs := flag.NewFlagSet("feedback", flag.ContinueOnError)
	fs.SetOutput(stderr)
	corrected := fs.String("corrected-sql", "", "corrected SQL to store as an example")
	if err := fs.Parse(args); err != nil {
		return nil, usageErr{msg: err.Error()}
	}
	if fs.NArg() != 2 {
		return nil, usageErr{msg: "feedback requires a token and a verdict"}
	}
	payload := map[string]any{"token": fs.Arg(0), "verdict": fs.Arg(1)}
	if strings.TrimSpace(*corrected) != "" {
		payload["corrected_sql"] = *corrected
	}
	return c.do(ctx, http.MethodPost, "/v1/feedback", payload)
}

func (c client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

type usageErr struct {
	msg string
}

func (e usageErr) Error() string { return e.msg }

func usageError(w io.Writer, message string) int {
	_, _ = fmt.Fprintf(w, "%s\n\n", message)
	writeUsage(w)
	return 2
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: textqlctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                                   GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                                    GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  schema                                   GET /v1/schema")
	_, _ = fmt.Fprintln(w, "  generate <question>                      POST /v1/sql/generate")
	_, _ = fmt.Fprintln(w, "  execute [-page N] [-page-size N] <token> POST /v1/sql/execute")
	_, _ = fmt.Fprintln(w, "  ask [-page-size N] <question>            generate, then execute page 1")
	_, _ = fmt.Fprintln(w, "  feedback [-corrected-sql SQL] <token> <approved|rejected>")
	_, _ = fmt.Fprintln(w, "                                           POST /v1/feedback")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
