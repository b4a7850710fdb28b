package offcache

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func installAndActivate(t *testing.T, m *Manager, version string, man Manifest) *Generation {
	t.Helper()
	gen, err := m.Install(context.Background(), version, man)
	if err != nil {
		t.Fatalf("install %s: %v", version, err)
	}
	if !m.SkipWaiting() {
		t.Fatalf("expected %s to request skip-waiting", version)
	}
	if err := m.Activate(context.Background()); err != nil {
		t.Fatalf("activate %s: %v", version, err)
	}
	return gen
}

func TestInstallServesEveryManifestURLWithoutNetwork(t *testing.T) {
	o := newTestOrigin(t, sitePages)
	m := newTestManager(t, o, newTestStorage(t))

	if _, err := m.HandleFetch(getRequest("/style.css", "style")); !errors.Is(err, ErrNotIntercepted) {
		t.Fatalf("expected uncontrolled fetch to pass through, got %v", err)
	}

	gen := installAndActivate(t, m, "site-v1", siteManifest)
	if got, want := gen.Len(), len(siteManifest.URLs)+1; got != want {
		t.Fatalf("generation holds %d entries, want %d", got, want)
	}

	before := o.totalHits()
	for _, u := range append(siteManifest.URLs, siteManifest.OfflinePage) {
		res, err := m.HandleFetch(getRequest(u, ""))
		if err != nil {
			t.Fatalf("fetch %s: %v", u, err)
		}
		if res.Source != SourceHit {
			t.Fatalf("fetch %s: source %q, want hit", u, res.Source)
		}
		if string(res.Body) != sitePages[u] {
			t.Fatalf("fetch %s: body %q", u, res.Body)
		}
	}
	if after := o.totalHits(); after != before {
		t.Fatalf("cached lookups hit the network %d times", after-before)
	}
}

func TestInstallFailureKeepsPreviousGeneration(t *testing.T) {
	o := newTestOrigin(t, sitePages)
	st := newTestStorage(t)
	m := newTestManager(t, o, st)
	installAndActivate(t, m, "site-v1", siteManifest)

	broken := Manifest{
		URLs:        append([]string{"/missing.js"}, siteManifest.URLs...),
		OfflinePage: "/offline.html",
	}
	_, err := m.Install(context.Background(), "site-v2", broken)
	var ie *InstallError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InstallError, got %v", err)
	}
	if ie.URL != "/missing.js" {
		t.Fatalf("install error names %q, want /missing.js", ie.URL)
	}

	if names := st.Names(); len(names) != 1 || names[0] != "site-v1" {
		t.Fatalf("generations after failed install: %v", names)
	}
	if m.State() != StateActive {
		t.Fatalf("state = %s, want active", m.State())
	}
	if m.SkipWaiting() {
		t.Fatalf("failed install must not request activation")
	}
	if err := m.Activate(context.Background()); err != nil {
		t.Fatalf("re-running activate: %v", err)
	}
	if c := m.Controller(); c == nil || c.Name() != "site-v1" {
		t.Fatalf("controller changed after failed install: %v", c)
	}
}

func TestInstallFailureOnServerError(t *testing.T) {
	o := newTestOrigin(t, sitePages)
	o.setStatus("/script.js", http.StatusInternalServerError)
	st := newTestStorage(t)
	m := newTestManager(t, o, st)

	if _, err := m.Install(context.Background(), "site-v1", siteManifest); err == nil {
		t.Fatal("expected install to fail")
	}
	if names := st.Names(); len(names) != 0 {
		t.Fatalf("partial generation left behind: %v", names)
	}
	if m.State() != StateUninstalled {
		t.Fatalf("state = %s, want uninstalled", m.State())
	}
	if err := m.Activate(context.Background()); !errors.Is(err, ErrNoInstalledGeneration) {
		t.Fatalf("activate without install: %v", err)
	}
}

func TestInstallRejectsInvalidManifest(t *testing.T) {
	o := newTestOrigin(t, sitePages)
	m := newTestManager(t, o, newTestStorage(t))

	_, err := m.Install(context.Background(), "v1", Manifest{URLs: []string{"https://cdn.example.com/x.js"}})
	if !errors.Is(err, ErrInvalidManifest) {
		t.Fatalf("expected ErrInvalidManifest, got %v", err)
	}
	if o.totalHits() != 0 {
		t.Fatal("invalid manifest must not touch the network")
	}
}

func TestActivateLeavesOnlyCurrentGeneration(t *testing.T) {
	o := newTestOrigin(t, sitePages)
	st := newTestStorage(t)
	m := newTestManager(t, o, st)
	installAndActivate(t, m, "site-v1", siteManifest)

	// A stray generation from some older release.
	if _, err := st.create(genMeta{Name: "site-v0"}, map[string]Entry{}); err != nil {
		t.Fatalf("create stray: %v", err)
	}

	o.setPage("/style.css", "body{color:red}")
	if _, err := m.Install(context.Background(), "site-v2", siteManifest); err != nil {
		t.Fatalf("install v2: %v", err)
	}
	if m.State() != StateInstalled {
		t.Fatalf("state = %s, want installed-waiting", m.State())
	}

	// v1 keeps serving until v2 activates.
	res, err := m.HandleFetch(getRequest("/style.css", "style"))
	if err != nil || string(res.Body) != "body{}" {
		t.Fatalf("before activation: %q, %v", res.Body, err)
	}

	if err := m.Activate(context.Background()); err != nil {
		t.Fatalf("activate v2: %v", err)
	}
	if names := st.Names(); len(names) != 1 || names[0] != "site-v2" {
		t.Fatalf("generations after activate: %v", names)
	}
	if st.Active() != "site-v2" || m.State() != StateActive {
		t.Fatalf("active=%q state=%s", st.Active(), m.State())
	}

	res, err = m.HandleFetch(getRequest("/style.css", "style"))
	if err != nil || res.Source != SourceHit || string(res.Body) != "body{color:red}" {
		t.Fatalf("after activation: %q %q, %v", res.Source, res.Body, err)
	}

	if err := m.Activate(context.Background()); err != nil {
		t.Fatalf("second activate: %v", err)
	}
	if names := st.Names(); len(names) != 1 || names[0] != "site-v2" {
		t.Fatalf("generations after idempotent activate: %v", names)
	}
}

func TestInstallSameVersionAsActiveIsNoop(t *testing.T) {
	o := newTestOrigin(t, sitePages)
	m := newTestManager(t, o, newTestStorage(t))
	installAndActivate(t, m, "site-v1", siteManifest)

	before := o.totalHits()
	gen, err := m.Install(context.Background(), "site-v1", siteManifest)
	if err != nil {
		t.Fatalf("reinstall: %v", err)
	}
	if gen.Name() != "site-v1" || m.SkipWaiting() {
		t.Fatalf("unexpected reinstall result %s skipWaiting=%v", gen.Name(), m.SkipWaiting())
	}
	if o.totalHits() != before {
		t.Fatal("reinstalling the active version must not refetch")
	}
}

func TestHandleFetchIsCacheFirst(t *testing.T) {
	o := newTestOrigin(t, sitePages)
	m := newTestManager(t, o, newTestStorage(t))
	installAndActivate(t, m, "site-v1", siteManifest)

	o.setPage("/", "<html>changed</html>")
	before := o.hitsFor(http.MethodGet, "/")
	for i := 0; i < 3; i++ {
		res, err := m.HandleFetch(getRequest("/", "document"))
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if res.Source != SourceHit || string(res.Body) != sitePages["/"] {
			t.Fatalf("expected stale cached home page, got %q %q", res.Source, res.Body)
		}
	}
	if o.hitsFor(http.MethodGet, "/") != before {
		t.Fatal("cached URL triggered a network fetch")
	}
}

func TestHandleFetchMissIsReturnedAndStored(t *testing.T) {
	o := newTestOrigin(t, sitePages)
	st := newTestStorage(t)
	m := newTestManager(t, o, st)
	gen := installAndActivate(t, m, "site-v1", siteManifest)

	res, err := m.HandleFetch(getRequest("/about.html", "document"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Source != SourceMiss || string(res.Body) != sitePages["/about.html"] {
		t.Fatalf("unexpected miss response %q %q", res.Source, res.Body)
	}

	st.Flush()
	stored, ok := gen.Match(RequestKey(http.MethodGet, "/about.html"))
	if !ok {
		t.Fatal("miss was not stored")
	}
	if !bytes.Equal(stored.Body, res.Body) {
		t.Fatalf("stored body %q differs from live %q", stored.Body, res.Body)
	}

	res, err = m.HandleFetch(getRequest("/about.html", "document"))
	if err != nil || res.Source != SourceHit {
		t.Fatalf("second fetch: %q, %v", res.Source, err)
	}
	if n := o.hitsFor(http.MethodGet, "/about.html"); n != 1 {
		t.Fatalf("origin saw %d requests, want 1", n)
	}
}

func TestHandleFetchKeysIncludeQuery(t *testing.T) {
	o := newTestOrigin(t, map[string]string{
		"/offline.html":  "offline",
		"/search?q=go":   "go results",
		"/search?q=rust": "rust results",
	})
	st := newTestStorage(t)
	m := newTestManager(t, o, st)
	installAndActivate(t, m, "v1", Manifest{OfflinePage: "/offline.html"})

	for _, q := range []string{"go", "rust"} {
		res, err := m.HandleFetch(getRequest("/search?q="+q, "document"))
		if err != nil || string(res.Body) != q+" results" {
			t.Fatalf("query %s: %q, %v", q, res.Body, err)
		}
	}
}

func TestHandleFetchDoesNotStoreNonOK(t *testing.T) {
	o := newTestOrigin(t, sitePages)
	o.setPage("/partial", "partial")
	o.setStatus("/partial", http.StatusAccepted)
	st := newTestStorage(t)
	m := newTestManager(t, o, st)
	gen := installAndActivate(t, m, "site-v1", siteManifest)

	for _, u := range []string{"/nope.html", "/partial"} {
		res, err := m.HandleFetch(getRequest(u, ""))
		if err != nil {
			t.Fatalf("fetch %s: %v", u, err)
		}
		if res.Source != SourceNetwork {
			t.Fatalf("fetch %s: source %q, want network", u, res.Source)
		}
	}
	st.Flush()
	if _, ok := gen.Match(RequestKey(http.MethodGet, "/nope.html")); ok {
		t.Fatal("404 response was stored")
	}
	if _, ok := gen.Match(RequestKey(http.MethodGet, "/partial")); ok {
		t.Fatal("202 response was stored")
	}
}

func TestHandleFetchDoesNotStoreRedirectsOffOrigin(t *testing.T) {
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("elsewhere"))
	}))
	defer other.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/offline.html", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("offline"))
	})
	mux.HandleFunc("/out", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, other.URL+"/landing", http.StatusFound)
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/offline.html", http.StatusMovedPermanently)
	})
	origin := httptest.NewServer(mux)
	defer origin.Close()

	st := newTestStorage(t)
	m, err := NewManager(st, Options{Origin: origin.URL})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	gen := installAndActivate(t, m, "v1", Manifest{OfflinePage: "/offline.html"})

	res, err := m.HandleFetch(getRequest("/out", ""))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Source != SourceNetwork || string(res.Body) != "elsewhere" {
		t.Fatalf("unexpected response %q %q", res.Source, res.Body)
	}

	// Same-origin redirects still end in a basic response.
	res, err = m.HandleFetch(getRequest("/moved", ""))
	if err != nil || res.Source != SourceMiss {
		t.Fatalf("same-origin redirect: %q, %v", res.Source, err)
	}

	st.Flush()
	if _, ok := gen.Match(RequestKey(http.MethodGet, "/out")); ok {
		t.Fatal("opaque redirected response was stored")
	}
	if _, ok := gen.Match(RequestKey(http.MethodGet, "/moved")); !ok {
		t.Fatal("same-origin redirected response was not stored")
	}
}

func TestOfflineNavigationGetsOfflinePage(t *testing.T) {
	o := newTestOrigin(t, sitePages)
	m := newTestManager(t, o, newTestStorage(t))
	installAndActivate(t, m, "site-v1", siteManifest)

	o.transport.offline.Store(true)
	res, err := m.HandleFetch(getRequest("/blog/post-1", "document"))
	if err != nil {
		t.Fatalf("offline navigation: %v", err)
	}
	if res.Source != SourceOffline {
		t.Fatalf("source %q, want offline", res.Source)
	}
	if !bytes.Equal(res.Body, []byte(sitePages["/offline.html"])) {
		t.Fatalf("offline body %q", res.Body)
	}

	// Without fetch metadata an HTML Accept header marks the navigation.
	r := httptest.NewRequest(http.MethodGet, "/blog/post-2", nil)
	r.Header.Set("Accept", "text/html,application/xhtml+xml")
	if res, err := m.HandleFetch(r); err != nil || res.Source != SourceOffline {
		t.Fatalf("accept-based navigation: %q, %v", res.Source, err)
	}
}

func TestOfflineSubresourceFails(t *testing.T) {
	o := newTestOrigin(t, sitePages)
	m := newTestManager(t, o, newTestStorage(t))
	installAndActivate(t, m, "site-v1", siteManifest)

	o.transport.offline.Store(true)
	_, err := m.HandleFetch(getRequest("/img/photo.png", "image"))
	if err == nil || errors.Is(err, ErrNotIntercepted) {
		t.Fatalf("expected network failure, got %v", err)
	}

	// Cached sub-resources still work offline.
	if res, err := m.HandleFetch(getRequest("/script.js", "script")); err != nil || res.Source != SourceHit {
		t.Fatalf("cached script offline: %q, %v", res.Source, err)
	}
}

func TestNonGETAndCrossOriginAreNotIntercepted(t *testing.T) {
	o := newTestOrigin(t, sitePages)
	st := newTestStorage(t)
	m := newTestManager(t, o, st)
	gen := installAndActivate(t, m, "site-v1", siteManifest)
	before := gen.Len()

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodHead} {
		r := httptest.NewRequest(method, "/contact", nil)
		if _, err := m.HandleFetch(r); !errors.Is(err, ErrNotIntercepted) {
			t.Fatalf("%s intercepted: %v", method, err)
		}
	}
	cross := httptest.NewRequest(http.MethodGet, "https://fonts.example.com/font.woff2", nil)
	if _, err := m.HandleFetch(cross); !errors.Is(err, ErrNotIntercepted) {
		t.Fatalf("cross-origin GET intercepted: %v", err)
	}

	st.Flush()
	if gen.Len() != before {
		t.Fatal("pass-through requests changed the cache")
	}
	if o.hitsFor(http.MethodPost, "/contact") != 0 {
		t.Fatal("manager forwarded a request it should have left alone")
	}
}

func TestNewManagerResumesPersistedGeneration(t *testing.T) {
	o := newTestOrigin(t, sitePages)
	dir := t.TempDir()

	st, err := OpenStorage(dir, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	m := newTestManager(t, o, st)
	installAndActivate(t, m, "site-v1", siteManifest)
	if _, err := m.Install(context.Background(), "site-v2", siteManifest); err != nil {
		t.Fatalf("install v2: %v", err)
	}
	st.Close()

	st, err = OpenStorage(dir, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	m = newTestManager(t, o, st)

	if c := m.Controller(); c == nil || c.Name() != "site-v1" {
		t.Fatalf("controller after restart: %v", c)
	}
	if m.State() != StateInstalled {
		t.Fatalf("state after restart = %s, want installed-waiting", m.State())
	}

	o.transport.offline.Store(true)
	if res, err := m.HandleFetch(getRequest("/index.html", "document")); err != nil || res.Source != SourceHit {
		t.Fatalf("offline hit after restart: %q, %v", res.Source, err)
	}

	if err := m.Activate(context.Background()); err != nil {
		t.Fatalf("activate restored generation: %v", err)
	}
	if names := st.Names(); len(names) != 1 || names[0] != "site-v2" {
		t.Fatalf("generations: %v", names)
	}
}

func TestSyncDispatchesByTag(t *testing.T) {
	o := newTestOrigin(t, sitePages)
	m := newTestManager(t, o, newTestStorage(t))

	if err := m.Sync(context.Background(), ContactFormTag); err != nil {
		t.Fatalf("default contact-form sync: %v", err)
	}
	if err := m.Sync(context.Background(), "unknown"); err != nil {
		t.Fatalf("unknown tag: %v", err)
	}

	calls := 0
	m.RegisterSync("outbox", func(ctx context.Context) error {
		calls++
		return errors.New("still offline")
	})
	if err := m.Sync(context.Background(), "outbox"); err == nil || calls != 1 {
		t.Fatalf("expected handler error after one call, got %v (calls=%d)", err, calls)
	}

	m.RegisterSync("outbox", nil)
	if err := m.Sync(context.Background(), "outbox"); err != nil || calls != 1 {
		t.Fatalf("unregistered handler still ran: %v", err)
	}
}

// cancelAfterFirstCheck reports cancellation on every Err call but the first.
type cancelAfterFirstCheck struct {
	context.Context
	calls atomic.Int32
}

func (c *cancelAfterFirstCheck) Err() error {
	if c.calls.Add(1) > 1 {
		return context.Canceled
	}
	return nil
}

func TestActivateFinishesOnceDeletionStarted(t *testing.T) {
	o := newTestOrigin(t, sitePages)
	st := newTestStorage(t)
	m := newTestManager(t, o, st)
	installAndActivate(t, m, "site-v1", siteManifest)
	if _, err := st.create(genMeta{Name: "zz-leftover"}, map[string]Entry{}); err != nil {
		t.Fatalf("create leftover: %v", err)
	}
	if _, err := m.Install(context.Background(), "site-v2", siteManifest); err != nil {
		t.Fatalf("install v2: %v", err)
	}

	ctx := &cancelAfterFirstCheck{Context: context.Background()}
	if err := m.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if c := m.Controller(); c == nil || c.Name() != "site-v2" || m.State() != StateActive {
		t.Fatalf("controller=%v state=%s", c, m.State())
	}
	if names := st.Names(); len(names) != 1 || names[0] != "site-v2" {
		t.Fatalf("generations: %v", names)
	}

	o.transport.offline.Store(true)
	if res, err := m.HandleFetch(getRequest("/style.css", "style")); err != nil || res.Source != SourceHit {
		t.Fatalf("offline cached asset: %q, %v", res.Source, err)
	}
	if res, err := m.HandleFetch(getRequest("/blog", "document")); err != nil || res.Source != SourceOffline {
		t.Fatalf("offline navigation: %q, %v", res.Source, err)
	}
}

func TestActivateWithCancelledContextKeepsController(t *testing.T) {
	o := newTestOrigin(t, sitePages)
	st := newTestStorage(t)
	m := newTestManager(t, o, st)
	installAndActivate(t, m, "site-v1", siteManifest)
	if _, err := m.Install(context.Background(), "site-v2", siteManifest); err != nil {
		t.Fatalf("install v2: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Activate(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("activate with cancelled context: %v", err)
	}
	if c := m.Controller(); c == nil || c.Name() != "site-v1" || m.State() != StateInstalled {
		t.Fatalf("controller=%v state=%s", c, m.State())
	}
	if len(st.Names()) != 2 {
		t.Fatalf("generations: %v", st.Names())
	}
	if err := m.Activate(context.Background()); err != nil {
		t.Fatalf("retry activate: %v", err)
	}
	if c := m.Controller(); c == nil || c.Name() != "site-v2" {
		t.Fatalf("controller after retry = %v", c)
	}
}

func TestFetchDuringActivationWaitsForClaim(t *testing.T) {
	o := newTestOrigin(t, sitePages)
	st := newTestStorage(t)
	m := newTestManager(t, o, st)
	installAndActivate(t, m, "site-v1", siteManifest)

	o.setPage("/style.css", "body{color:red}")
	if _, err := m.Install(context.Background(), "site-v2", siteManifest); err != nil {
		t.Fatalf("install v2: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	m.beforeDelete = func(string) {
		once.Do(func() { close(started) })
		<-release
	}

	activated := make(chan error, 1)
	go func() { activated <- m.Activate(context.Background()) }()
	<-started
	if m.State() != StateActivating {
		t.Fatalf("state = %s, want activating", m.State())
	}

	type result struct {
		res Response
		err error
	}
	fetched := make(chan result, 1)
	go func() {
		res, err := m.HandleFetch(getRequest("/style.css", "style"))
		fetched <- result{res, err}
	}()

	select {
	case r := <-fetched:
		t.Fatalf("fetch answered during activation: %q %q %v", r.res.Source, r.res.Body, r.err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-activated; err != nil {
		t.Fatalf("activate: %v", err)
	}
	r := <-fetched
	if r.err != nil || r.res.Source != SourceHit || string(r.res.Body) != "body{color:red}" {
		t.Fatalf("fetch after claim: %q %q %v", r.res.Source, r.res.Body, r.err)
	}
}

func TestMissIgnoresClientValidators(t *testing.T) {
	const etag = `"about-v1"`
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/offline.html":
			_, _ = w.Write([]byte("offline"))
		case "/about.css":
			w.Header().Set("ETag", etag)
			if r.Header.Get("If-None-Match") == etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			if r.Header.Get("Range") != "" {
				w.WriteHeader(http.StatusPartialContent)
				_, _ = w.Write([]byte("a"))
				return
			}
			_, _ = w.Write([]byte("about{}"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer origin.Close()

	st := newTestStorage(t)
	m, err := NewManager(st, Options{Origin: origin.URL})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	gen := installAndActivate(t, m, "v1", Manifest{OfflinePage: "/offline.html"})

	r := getRequest("/about.css", "style")
	r.Header.Set("If-None-Match", etag)
	r.Header.Set("If-Modified-Since", "Mon, 01 Jan 2024 00:00:00 GMT")
	r.Header.Set("Range", "bytes=0-0")
	res, err := m.HandleFetch(r)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Status != http.StatusOK || res.Source != SourceMiss || string(res.Body) != "about{}" {
		t.Fatalf("got %d %q %q", res.Status, res.Source, res.Body)
	}
	st.Flush()
	if _, ok := gen.Match(RequestKey(http.MethodGet, "/about.css")); !ok {
		t.Fatal("revalidating request left the miss uncached")
	}
}
