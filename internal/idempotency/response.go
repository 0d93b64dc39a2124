package idempotency

import (
	"bytes"
	"net/http"
	"sort"
	"time"
)

// HeaderPair is one response header line. Repeated headers appear as
// repeated pairs, in the order they were written.
type HeaderPair struct {
	Name  string `json:"name"`
	Value []byte `json:"value"`
}

// Response is the saved outcome of a command, replayed verbatim for retries.
type Response struct {
	StatusCode int          `json:"status_code"`
	Headers    []HeaderPair `json:"headers"`
	Body       []byte       `json:"body"`
	// CreatedAt is when the key was reserved; retention counts from here.
	// Zero until the response is stored.
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// HeaderNames and HeaderValues split the pairs into the parallel arrays the
// idempotency table stores.
func (r *Response) HeaderNames() []string {
	names := make([]string, len(r.Headers))
	for i, h := range r.Headers {
		names[i] = h.Name
	}
	return names
}

func (r *Response) HeaderValues() [][]byte {
	values := make([][]byte, len(r.Headers))
	for i, h := range r.Headers {
		values[i] = h.Value
	}
	return values
}

// WriteTo replays the response onto w.
func (r *Response) WriteTo(w http.ResponseWriter) error {
	for _, h := range r.Headers {
		w.Header().Add(h.Name, string(h.Value))
	}
	status := r.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, err := w.Write(r.Body)
	return err
}

// Recorder is an http.ResponseWriter that captures what a handler writes so
// it can be saved as a Response.
type Recorder struct {
	header      http.Header
	status      int
	body        bytes.Buffer
	wroteHeader bool
}

func NewRecorder() *Recorder {
	return &Recorder{header: make(http.Header)}
}

func (rec *Recorder) Header() http.Header {
	return rec.header
}

func (rec *Recorder) WriteHeader(status int) {
	if rec.wroteHeader {
		return
	}
	rec.wroteHeader = true
	rec.status = status
}

func (rec *Recorder) Write(p []byte) (int, error) {
	if !rec.wroteHeader {
		rec.WriteHeader(http.StatusOK)
	}
	return rec.body.Write(p)
}

// Response snapshots the captured status, headers and body. Header names are
// emitted in sorted order so the stored record is deterministic.
func (rec *Recorder) Response() *Response {
	status := rec.status
	if !rec.wroteHeader {
		status = http.StatusOK
	}
	names := make([]string, 0, len(rec.header))
	for name := range rec.header {
		names = append(names, name)
	}
	sort.Strings(names)

	var pairs []HeaderPair
	for _, name := range names {
		for _, v := range rec.header[name] {
			pairs = append(pairs, HeaderPair{Name: name, Value: []byte(v)})
		}
	}
	return &Response{
		StatusCode: status,
		Headers:    pairs,
		Body:       bytes.Clone(rec.body.Bytes()),
	}
}
