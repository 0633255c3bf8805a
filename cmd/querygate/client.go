package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/querygate/internal/api"
	"github.com/mattjoyce/querygate/internal/dispatch"
	"github.com/mattjoyce/querygate/internal/history"
	"github.com/mattjoyce/querygate/internal/kernel"
)

const defaultAPIURL = "http://localhost:8080"

func apiFlags(fs *flag.FlagSet) (*string, *string) {
	def := os.Getenv("QUERYGATE_API_URL")
	if def == "" {
		def = defaultAPIURL
	}
	apiURL := fs.String("api-url", def, "Service API URL")
	apiKey := fs.String("api-key", os.Getenv("QUERYGATE_API_KEY"), "API bearer token")
	return apiURL, apiKey
}

// apiError is a non-2xx response decoded from api.ErrorResponse.
type apiError struct {
	Status int
	Body   api.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Body.Kind != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Body.Error, e.Body.Kind, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Body.Error, e.Status)
}

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL, token string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) do(method, path string, headers map[string]string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Body); err != nil || apiErr.Body.Error == "" {
			apiErr.Body.Error = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func reportAPIError(action string, err error) int {
	fmt.Fprintf(os.Stderr, "%s failed: %v\n", action, err)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		// Interrupted queries exit 2 so scripts can tell them from failures.
		return 2
	}
	return 1
}

// --- QUERY ---

func runQuerySubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	apiURL, apiKey := apiFlags(fs)
	sessionID := fs.String("session", "", "Client session id (32 characters)")
	device := fs.String("device", string(kernel.DeviceCPU), "Execution device: cpu or gpu")
	pendingFreq := fs.Uint("pending-check-freq", 0, "Override pending check frequency K for this query")
	timeout := fs.Duration("timeout", 0, "Give up waiting after this long (0 waits forever)")
	jsonOut := fs.Bool("json", false, "Output the response as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" || *sessionID == "" {
		fmt.Fprintln(os.Stderr, "Usage: querygate query submit --session ID [flags] <sql>")
		return 1
	}
	if _, err := kernel.ParseDevice(*device); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	client := newAPIClient(*apiURL, *apiKey, *timeout)
	var resp api.QueryResponse
	err := client.do(http.MethodPost, "/query", nil, api.QueryRequest{
		Query:            query,
		SessionID:        *sessionID,
		Device:           *device,
		PendingCheckFreq: *pendingFreq,
	}, &resp)
	if err != nil {
		return reportAPIError("Query", err)
	}

	if *jsonOut {
		return printJSON(resp)
	}
	fmt.Printf("query %s (%d rows, %dms)\n", resp.QueryID, resp.RowCount, resp.DurationMS)
	fmt.Println(strings.Join(resp.Columns, "\t"))
	for _, row := range resp.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprint(v)
		}
		fmt.Println(strings.Join(cells, "\t"))
	}
	return 0
}

func runQueryInterrupt(args []string) int {
	fs := flag.NewFlagSet("interrupt", flag.ContinueOnError)
	apiURL, apiKey := apiFlags(fs)
	caller := fs.String("caller", "", "Session id of the caller, recorded in the service log")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: querygate query interrupt [--caller ID] <session>")
		return 1
	}

	var headers map[string]string
	if *caller != "" {
		headers = map[string]string{api.CallerHeader: *caller}
	}

	client := newAPIClient(*apiURL, *apiKey, 10*time.Second)
	var resp api.InterruptResponse
	path := "/session/" + url.PathEscape(fs.Arg(0)) + "/interrupt"
	if err := client.do(http.MethodPost, path, headers, nil, &resp); err != nil {
		return reportAPIError("Interrupt", err)
	}
	fmt.Printf("session %s: %s\n", resp.SessionID, resp.Status)
	return 0
}

func runQueryInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	apiURL, apiKey := apiFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: querygate query inspect <query-id>")
		return 1
	}

	client := newAPIClient(*apiURL, *apiKey, 10*time.Second)
	var rec history.Record
	if err := client.do(http.MethodGet, "/query/"+url.PathEscape(fs.Arg(0)), nil, nil, &rec); err != nil {
		return reportAPIError("Inspect", err)
	}
	return printJSON(rec)
}

// --- SESSION ---

func runSessionShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	apiURL, apiKey := apiFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: querygate session show <session>")
		return 1
	}

	client := newAPIClient(*apiURL, *apiKey, 10*time.Second)
	var resp api.SessionResponse
	if err := client.do(http.MethodGet, "/session/"+url.PathEscape(fs.Arg(0)), nil, nil, &resp); err != nil {
		return reportAPIError("Session lookup", err)
	}
	return printJSON(resp)
}

func runSessionList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	apiURL, apiKey := apiFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	client := newAPIClient(*apiURL, *apiKey, 10*time.Second)
	var resp api.SessionsResponse
	if err := client.do(http.MethodGet, "/sessions", nil, nil, &resp); err != nil {
		return reportAPIError("Session list", err)
	}
	if len(resp.Sessions) == 0 {
		fmt.Println("no enrolled sessions")
		return 0
	}
	fmt.Printf("%-34s %8s %8s %s\n", "SESSION", "RUNNING", "PENDING", "INTERRUPTED")
	for _, s := range resp.Sessions {
		fmt.Printf("%-34s %8d %8d %t\n", s.SessionID, s.Running, s.Pending, s.Interrupted)
	}
	return 0
}

func runSessionCurrent(args []string) int {
	fs := flag.NewFlagSet("current", flag.ContinueOnError)
	apiURL, apiKey := apiFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	client := newAPIClient(*apiURL, *apiKey, 10*time.Second)
	var resp api.CurrentSessionResponse
	if err := client.do(http.MethodGet, "/sessions/current", nil, nil, &resp); err != nil {
		return reportAPIError("Current session", err)
	}
	if !resp.Running {
		fmt.Println("no running query")
		return 0
	}
	fmt.Println(resp.SessionID)
	return 0
}

// --- DISPATCH ---

func runDispatchResize(args []string) int {
	fs := flag.NewFlagSet("resize", flag.ContinueOnError)
	apiURL, apiKey := apiFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: querygate dispatch resize <n>")
		return 1
	}
	n, err := strconv.Atoi(fs.Arg(0))
	if err != nil || n < 1 {
		fmt.Fprintf(os.Stderr, "capacity must be a positive integer, got %q\n", fs.Arg(0))
		return 1
	}

	client := newAPIClient(*apiURL, *apiKey, 10*time.Second)
	var stats dispatch.Stats
	if err := client.do(http.MethodPut, "/dispatch/capacity", nil, api.CapacityRequest{Capacity: n}, &stats); err != nil {
		return reportAPIError("Resize", err)
	}
	fmt.Printf("capacity=%d occupied=%d waiting=%d\n", stats.Capacity, stats.Occupied, stats.Waiting)
	return 0
}
