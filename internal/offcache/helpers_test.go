package offcache

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
)

// offlineTransport fails every round trip while offline is set, the way a
// dropped connection or DNS failure does.
type offlineTransport struct {
	offline atomic.Bool
	base    http.RoundTripper
}

func (t *offlineTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.offline.Load() {
		return nil, errors.New("network unreachable")
	}
	return t.base.RoundTrip(r)
}

// testOrigin is a static site that counts requests per URI.
type testOrigin struct {
	srv       *httptest.Server
	transport *offlineTransport

	mu     sync.Mutex
	pages  map[string]string
	status map[string]int
	hits   map[string]int
}

func newTestOrigin(t *testing.T, pages map[string]string) *testOrigin {
	t.Helper()
	o := &testOrigin{
		pages:  map[string]string{},
		status: map[string]int{},
		hits:   map[string]int{},
	}
	for k, v := range pages {
		o.pages[k] = v
	}
	o.srv = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.srv.Close)
	o.transport = &offlineTransport{base: http.DefaultTransport}
	return o
}

func (o *testOrigin) serve(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.RequestURI()
	o.mu.Lock()
	o.hits[r.Method+" "+uri]++
	body, ok := o.pages[uri]
	status := o.status[uri]
	o.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (o *testOrigin) setPage(uri, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pages[uri] = body
}

func (o *testOrigin) setStatus(uri string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status[uri] = status
}

func (o *testOrigin) hitsFor(method, uri string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[method+" "+uri]
}

func (o *testOrigin) totalHits() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.hits {
		n += c
	}
	return n
}

func (o *testOrigin) client() *http.Client {
	return &http.Client{Transport: o.transport}
}

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	st, err := OpenStorage("", 1<<20)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func newTestManager(t *testing.T, o *testOrigin, st *Storage) *Manager {
	t.Helper()
	m, err := NewManager(st, Options{Origin: o.srv.URL, Client: o.client()})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

var sitePages = map[string]string{
	"/":             "<html>home</html>",
	"/index.html":   "<html>home</html>",
	"/style.css":    "body{}",
	"/script.js":    "console.log(1)",
	"/offline.html": "<html>you are offline</html>",
	"/about.html":   "<html>about</html>",
}

var siteManifest = Manifest{
	URLs:        []string{"/", "/index.html", "/style.css", "/script.js"},
	OfflinePage: "/offline.html",
}

func getRequest(uri string, dest string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, uri, nil)
	if dest != "" {
		r.Header.Set("Sec-Fetch-Dest", dest)
	}
	return r
}
