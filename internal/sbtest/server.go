// Package sbtest provides an in-memory fake of the backend HTTP surface for
// tests.
package sbtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"slices"
	"strings"
	"sync"
	"testing"
)

// Call records one request received by the fake.
type Call struct {
	Method string
	Path   string
	// Action is the "a" query parameter, empty for plain file reads.
	Action string
	// Token is the token form field of mutating requests.
	Token string
	Query string
}

// Failure makes the next request for an action fail.
type Failure struct {
	Status int
	// Message, when set, is returned as a structured error payload. Otherwise
	// the body is plain text.
	Message string
}

// Server is a fake backend serving files from memory.
//
// Tokens are single use: a mutating request with a token that was never
// issued or already used is rejected.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	config   any
	files    map[string][]byte
	tokens   map[string]bool
	nextTok  int
	calls    []Call
	failures map[string][]Failure
}

// New starts a fake serving config as the "data" of the config action. It is
// closed when the test ends.
func New(t testing.TB, config any) *Server {
	t.Helper()
	s := &Server{
		config:   config,
		files:    map[string][]byte{},
		tokens:   map[string]bool{},
		failures: map[string][]Failure{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.Close)
	return s
}

// SetConfig replaces the served config.
func (s *Server) SetConfig(config any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = config
}

// PutFile stores a file at the absolute URL path p, e.g. "/tree/meta.js".
func (s *Server) PutFile(p string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[p] = content
}

// File returns the content stored at p.
func (s *Server) File(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[p]
	return b, ok
}

// Files returns the sorted names of the files directly in directory dir, e.g. "/tree/".
func (s *Server) Files(dir string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(dir)
}

// Fail queues a failure for the next request with action a ("" for plain
// file reads).
func (s *Server) Fail(a string, f Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[a] = append(s.failures[a], f)
}

// Calls returns a copy of the request log.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallsFor returns the logged calls with action a.
func (s *Server) CallsFor(a string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Action == a {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the request log.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *Server) listLocked(dir string) []string {
	var names []string
	for p := range s.files {
		if d := path.Dir(p); d == dir || d+"/" == dir {
			names = append(names, path.Base(p))
		}
	}
	slices.Sort(names)
	return names
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	a := r.URL.Query().Get("a")
	token := ""
	if r.Method == http.MethodPost {
		if err := r.ParseMultipartForm(64 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "bad form: "+err.Error())
			return
		}
		token = r.FormValue("token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path, Action: a, Token: token, Query: r.URL.RawQuery})
	if q := s.failures[a]; len(q) != 0 {
		f := q[0]
		s.failures[a] = q[1:]
		if f.Message != "" {
			writeError(w, f.Status, f.Message)
		} else {
			http.Error(w, "failure", f.Status)
		}
		return
	}

	switch a {
	case "config":
		writeData(w, s.config)
	case "token":
		s.nextTok++
		tok := fmt.Sprintf("token-%d", s.nextTok)
		s.tokens[tok] = true
		writeData(w, tok)
	case "list":
		dir := r.URL.Path
		if !strings.HasSuffix(dir, "/") {
			dir += "/"
		}
		type entry struct {
			Name         string  `json:"name"`
			Type         string  `json:"type"`
			Size         int     `json:"size"`
			LastModified float64 `json:"last_modified"`
		}
		entries := []entry{}
		for _, name := range s.listLocked(dir) {
			entries = append(entries, entry{Name: name, Type: "file", Size: len(s.files[dir+name]), LastModified: 1600000000})
		}
		writeData(w, entries)
	case "upload":
		if !s.useTokenLocked(w, token) {
			return
		}
		f, _, err := r.FormFile("upload")
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing upload")
			return
		}
		defer func() { _ = f.Close() }()
		data, err := io.ReadAll(f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.files[r.URL.Path] = data
		writeData(w, "Command run successfully.")
	case "delete":
		if !s.useTokenLocked(w, token) {
			return
		}
		if _, ok := s.files[r.URL.Path]; !ok {
			writeError(w, http.StatusNotFound, "File does not exist.")
			return
		}
		delete(s.files, r.URL.Path)
		writeData(w, "Command run successfully.")
	case "":
		b, ok := s.files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = w.Write(b)
	default:
		writeError(w, http.StatusBadRequest, "Action not supported.")
	}
}

func (s *Server) useTokenLocked(w http.ResponseWriter, token string) bool {
	if !s.tokens[token] {
		writeError(w, http.StatusBadRequest, "Invalid access token.")
		return false
	}
	delete(s.tokens, token)
	return true
}

func writeData(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": v})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": msg}})
}
