package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_mail/internal/issue"
	"github.com/austindbirch/harbor_mail/internal/publish"
)

var testIssueID = uuid.MustParse("1b4e28ba-2fa1-11d2-883f-0016d3cca427")

// fakeAPI records the last request and answers like the publisher service.
type fakeAPI struct {
	lastMethod string
	lastPath   string
	lastQuery  string
	lastHeader http.Header
	lastBody   []byte
}

func (f *fakeAPI) server(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	record := func(r *http.Request) {
		f.lastMethod, f.lastPath, f.lastQuery = r.Method, r.URL.Path, r.URL.RawQuery
		f.lastHeader = r.Header.Clone()
		f.lastBody, _ = io.ReadAll(r.Body)
	}
	mux.HandleFunc("POST /v1/issues", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		if r.Header.Get("Idempotency-Key") == "busy" {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"a request with this idempotency key is still in progress","code":"conflict"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(publish.Accepted{IssueID: testIssueID, Recipients: 3, Status: "accepted"})
	})
	mux.HandleFunc("GET /v1/issues/{id}/deliveries", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		_ = json.NewEncoder(w).Encode(publish.IssueDeliveries{
			IssueID:     testIssueID,
			Title:       "October",
			Counts:      map[string]int64{"pending": 2, "in_progress": 0, "failed_terminal": 1},
			Outstanding: 3,
		})
	})
	mux.HandleFunc("GET /v1/deliveries/failed", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		_ = json.NewEncoder(w).Encode(map[string]any{"deliveries": []publish.FailedDelivery{{
			IssueID:   testIssueID,
			Email:     "bounced@example.com",
			Attempts:  1,
			LastError: "permanent: HTTP 422",
			FailedAt:  time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		}}})
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"ok":false,"message":"db ping failed","database":false}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAPIClient_PublishIssue(t *testing.T) {
	api := &fakeAPI{}
	srv := api.server(t)
	client := newAPIClient(srv.URL, "tok", time.Second)

	draft := issue.Draft{Title: "October", TextContent: "hello"}
	got, err := client.PublishIssue(context.Background(), "oct-2026", draft)
	if err != nil {
		t.Fatalf("PublishIssue() error: %v", err)
	}
	if got.IssueID != testIssueID || got.Recipients != 3 {
		t.Errorf("unexpected accepted body: %+v", got)
	}
	if api.lastHeader.Get("Idempotency-Key") != "oct-2026" {
		t.Errorf("Idempotency-Key = %q", api.lastHeader.Get("Idempotency-Key"))
	}
	if api.lastHeader.Get("Authorization") != "Bearer tok" {
		t.Errorf("Authorization = %q", api.lastHeader.Get("Authorization"))
	}
	var sent issue.Draft
	if err := json.Unmarshal(api.lastBody, &sent); err != nil || sent != draft {
		t.Errorf("sent body = %s (%v)", api.lastBody, err)
	}

	if _, err := client.PublishIssue(context.Background(), "", draft); err != nil {
		t.Fatalf("unkeyed PublishIssue() error: %v", err)
	}
	if _, ok := api.lastHeader["Idempotency-Key"]; ok {
		t.Error("unkeyed publish must not send the header")
	}
}

func TestAPIClient_ErrorBody(t *testing.T) {
	srv := (&fakeAPI{}).server(t)
	client := newAPIClient(srv.URL, "", time.Second)

	_, err := client.PublishIssue(context.Background(), "busy", issue.Draft{Title: "x", TextContent: "y"})
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apiError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Code != "conflict" || apiErr.RetryAfter != "1" {
		t.Errorf("unexpected apiError: %+v", apiErr)
	}
	if !strings.Contains(apiErr.Error(), "HTTP 409") || !strings.Contains(apiErr.Error(), "retry after 1s") {
		t.Errorf("Error() = %q", apiErr.Error())
	}
}

func TestAPIClient_Queries(t *testing.T) {
	api := &fakeAPI{}
	srv := api.server(t)
	client := newAPIClient(srv.URL, "", time.Second)

	deliveries, err := client.IssueDeliveries(context.Background(), testIssueID)
	if err != nil {
		t.Fatalf("IssueDeliveries() error: %v", err)
	}
	if api.lastPath != "/v1/issues/"+testIssueID.String()+"/deliveries" {
		t.Errorf("path = %q", api.lastPath)
	}
	if deliveries.Outstanding != 3 || deliveries.Counts["failed_terminal"] != 1 {
		t.Errorf("unexpected deliveries: %+v", deliveries)
	}

	failed, err := client.FailedDeliveries(context.Background(), 20)
	if err != nil {
		t.Fatalf("FailedDeliveries() error: %v", err)
	}
	if api.lastQuery != "limit=20" {
		t.Errorf("query = %q", api.lastQuery)
	}
	if len(failed) != 1 || failed[0].Email != "bounced@example.com" {
		t.Errorf("unexpected failed list: %+v", failed)
	}

	if _, err := client.FailedDeliveries(context.Background(), 0); err != nil {
		t.Fatalf("FailedDeliveries(0) error: %v", err)
	}
	if api.lastQuery != "" {
		t.Errorf("zero limit should use server default, query = %q", api.lastQuery)
	}
}

// runCLI executes the root command with explicit global flags so state from
// one run never leaks into the next.
func runCLI(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	base := []string{
		"--config", filepath.Join(t.TempDir(), "mailctl.yaml"),
		"--server", server,
		"--token", "tok",
		"--json=false",
	}
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append(base, args...))
	defer rootCmd.SetOut(nil)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	srv := (&fakeAPI{}).server(t)

	tests := []struct {
		name    string
		args    []string
		want    []string
		wantErr string
	}{
		{
			name: "publish",
			args: []string{"issue", "publish", "--title", "October", "--text", "hello", "--idempotency-key", "oct-2026"},
			want: []string{"Published issue: " + testIssueID.String(), "Recipients: 3"},
		},
		{
			name:    "publish validates locally",
			args:    []string{"issue", "publish", "--title", " ", "--text", "hello", "--idempotency-key", "k2"},
			wantErr: "title is required",
		},
		{
			name: "deliveries",
			args: []string{"issue", "deliveries", testIssueID.String()},
			want: []string{"Issue " + testIssueID.String() + ": October", "Outstanding: 3"},
		},
		{
			name:    "deliveries rejects bad id",
			args:    []string{"issue", "deliveries", "nope"},
			wantErr: "invalid issue id",
		},
		{
			name: "failed deliveries",
			args: []string{"delivery", "failed", "--limit", "5"},
			want: []string{"bounced@example.com", "permanent: HTTP 422"},
		},
		{
			name: "unhealthy service",
			args: []string{"health"},
			want: []string{"Service is unhealthy (HTTP 503)"},
		},
		{
			name: "version",
			args: []string{"version"},
			want: []string{"mailctl version dev"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runCLI(t, srv.URL, tt.args...)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
		})
	}
}

func TestTokenCommand(t *testing.T) {
	var got tokenRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(tokenResponse{Token: "signed.jwt.value", ExpiresIn: 600, TokenType: "Bearer"})
	}))
	defer srv.Close()

	out, err := runCLI(t, "http://unused:1", "--jwks-server", srv.URL, "token", "publisher-1", "--ttl", "10m")
	if err != nil {
		t.Fatalf("token command error: %v", err)
	}
	if strings.TrimSpace(out) != "signed.jwt.value" {
		t.Errorf("output = %q", out)
	}
	if got.PublisherID != "publisher-1" || got.TTLSeconds != 600 {
		t.Errorf("request = %+v", got)
	}
}
