package main

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/austindbirch/harbor_mail/internal/email"
	"github.com/austindbirch/harbor_mail/internal/logging"
)

type sendRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

// mailer is a stand-in for the email API used in local runs and tests.
type mailer struct {
	token         string
	failFirstN    int
	rejectDomains map[string]bool

	mu       sync.Mutex
	reqCount int
	inbox    []sendRequest
	log      *logging.Logger
}

func newMailer(token string, failFirstN int, rejectDomains string) *mailer {
	m := &mailer{
		token:         token,
		failFirstN:    failFirstN,
		rejectDomains: map[string]bool{},
		log:           logging.New("harbormail-fake-mailer"),
	}
	for _, d := range strings.Split(rejectDomains, ",") {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			m.rejectDomains[d] = true
		}
	}
	return m
}

func (m *mailer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /email", m.handleEmail)
	mux.HandleFunc("GET /emails", m.handleInbox)
	return mux
}

func (m *mailer) handleEmail(w http.ResponseWriter, r *http.Request) {
	if m.token != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(email.TokenHeader)), []byte(m.token)) != 1 {
		http.Error(w, "invalid server token", http.StatusUnauthorized)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.To == "" || req.From == "" || req.Subject == "" || (req.HtmlBody == "" && req.TextBody == "") {
		http.Error(w, "From, To, Subject and a body are required", http.StatusUnprocessableEntity)
		return
	}

	m.mu.Lock()
	m.reqCount++
	n := m.reqCount
	m.mu.Unlock()

	entry := m.log.Plain().WithRecipient(req.To).WithField("request", n)

	// Simulate flakiness: first N requests -> 500
	if n <= m.failFirstN {
		entry.Warnf("FAILING (%d/%d)", n, m.failFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}
	if domain := domainOf(req.To); m.rejectDomains[domain] {
		entry.WithField("domain", domain).Warn("rejecting recipient")
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"ErrorCode": 406, "Message": "inactive recipient"})
		return
	}

	m.mu.Lock()
	m.inbox = append(m.inbox, req)
	m.mu.Unlock()

	entry.WithField("subject", truncate(req.Subject, 80)).Info("accepted email")
	writeJSON(w, http.StatusOK, map[string]any{"To": req.To, "ErrorCode": 0, "Message": "OK"})
}

func (m *mailer) handleInbox(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(m.inbox), "emails": m.inbox})
}

func main() {
	m := newMailer(os.Getenv("EXPECTED_TOKEN"), getEnvInt("FAIL_FIRST_N", 0), os.Getenv("REJECT_DOMAINS"))

	addr := ":" + getEnv("PORT", "8081")
	m.log.Plain().WithFields(map[string]any{
		"addr":           addr,
		"fail_first_n":   m.failFirstN,
		"reject_domains": os.Getenv("REJECT_DOMAINS"),
	}).Info("fake-mailer listening")
	if err := http.ListenAndServe(addr, m.routes()); err != nil {
		m.log.Plain().WithError(err).Fatal("fake-mailer failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func domainOf(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
