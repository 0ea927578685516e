// Package geoiptest provides an in-process stand-in for the GeoIP
// distribution service: the auth endpoint, the discovery endpoint and the
// per-file download URLs it hands out.
package geoiptest

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
)

// File is a database served under /files/{name}.
type File struct {
	Body []byte
	// Failures is how many requests answer FailStatus before Body is served.
	Failures   int
	FailStatus int
}

// Server is a stub GeoIP service.
type Server struct {
	*httptest.Server

	APIKey string

	mu         sync.Mutex
	files      map[string]*File
	order      []string
	authStatus int
	authDetail string
	catalog    any
	authBodies []map[string]any
	hits       map[string]int
}

// New starts a stub server that accepts apiKey. It is closed with t.
func New(t testing.TB, apiKey string) *Server {
	t.Helper()

	s := &Server{
		APIKey: apiKey,
		files:  make(map[string]*File),
		hits:   make(map[string]int),
	}

	r := chi.NewRouter()
	r.Post("/auth", s.handleAuth)
	r.Get("/databases", s.handleDatabases)
	r.Get("/files/{name}", s.handleFile)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)

	return s
}

// Endpoint returns the auth URL.
func (s *Server) Endpoint() string {
	return s.URL + "/auth"
}

// AddFile serves body under name.
func (s *Server) AddFile(name string, body []byte) {
	s.SetFile(name, &File{Body: body})
}

// SetFile registers f under name, replacing any previous one.
func (s *Server) SetFile(name string, f *File) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[name]; !ok {
		s.order = append(s.order, name)
	}

	s.files[name] = f
}

// SetAuthStatus forces the auth endpoint to answer code with a detail message.
func (s *Server) SetAuthStatus(code int, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.authStatus = code
	s.authDetail = detail
}

// SetCatalog makes /databases serve doc. Without a catalog it answers 404.
func (s *Server) SetCatalog(doc any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.catalog = doc
}

// AuthRequests returns the decoded bodies received by the auth endpoint.
func (s *Server) AuthRequests() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]map[string]any(nil), s.authBodies...)
}

// Hits returns how many times name was requested.
func (s *Server) Hits(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hits[name]
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid JSON body"})

		return
	}

	s.authBodies = append(s.authBodies, body)

	if r.Header.Get("X-API-Key") != s.APIKey {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid API key"})

		return
	}

	if s.authStatus != 0 {
		writeJSON(w, s.authStatus, map[string]string{"detail": s.authDetail})

		return
	}

	urls := make(map[string]string)

	switch sel := body["databases"].(type) {
	case string:
		if sel != "all" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "databases must be 'all' or a list"})

			return
		}

		for _, name := range s.order {
			urls[name] = s.fileURL(name)
		}
	case []any:
		var unknown []string

		for _, v := range sel {
			name, _ := v.(string)
			if _, ok := s.files[name]; ok {
				urls[name] = s.fileURL(name)

				continue
			}

			unknown = append(unknown, name)
		}

		if len(urls) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"detail": "Invalid database names: " + strings.Join(unknown, ", "),
			})

			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "databases is required"})

		return
	}

	writeJSON(w, http.StatusOK, urls)
}

func (s *Server) handleDatabases(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	doc := s.catalog
	s.mu.Unlock()

	if doc == nil {
		http.NotFound(w, r)

		return
	}

	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s.mu.Lock()
	s.hits[name]++
	f, ok := s.files[name]

	var (
		fail   bool
		status int
		body   []byte
	)

	if ok {
		if f.Failures > 0 {
			f.Failures--
			fail, status = true, f.FailStatus
		}

		body = f.Body
	}
	s.mu.Unlock()

	switch {
	case !ok:
		http.NotFound(w, r)
	case fail:
		w.WriteHeader(status)
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		_, _ = w.Write(body)
	}
}

func (s *Server) fileURL(name string) string {
	return s.URL + "/files/" + name
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// MMDBMarker is the metadata marker every MaxMind database carries near its end.
var MMDBMarker = []byte("\xab\xcd\xefMaxMind.com")

// MMDB returns a size byte body with the metadata marker near the end.
func MMDB(size int) []byte {
	body := binaryFill(size)
	if size >= len(MMDBMarker)+16 {
		copy(body[size-len(MMDBMarker)-16:], MMDBMarker)
	}

	return body
}

// BIN returns a size byte binary body that does not look like text.
func BIN(size int) []byte {
	return binaryFill(size)
}

// HTMLError returns an error page padded to at least size bytes.
func HTMLError(size int) []byte {
	var b bytes.Buffer

	b.WriteString("<!DOCTYPE html><html><head><title>403 Forbidden</title></head><body><h1>Forbidden</h1>")
	for b.Len() < size-len("</body></html>") {
		b.WriteString("<p>Access denied.</p>")
	}

	b.WriteString("</body></html>")

	return b.Bytes()
}

func binaryFill(size int) []byte {
	body := make([]byte, size)
	for i := range body {
		body[i] = byte(i % 7)
	}

	return body
}
