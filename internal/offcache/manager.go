package offcache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotIntercepted means the request is outside the cache policy and
	// must be handled by the default network path unchanged.
	ErrNotIntercepted = errors.New("request not intercepted")

	ErrNoInstalledGeneration = errors.New("no installed generation to activate")
)

// InstallError reports which manifest URL sank an install.
type InstallError struct {
	Version string
	URL     string
	Err     error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install %s: %s: %v", e.Version, e.URL, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

type Options struct {
	// Origin is the scheme and host of the site being cached.
	Origin string
	// Client performs network fetches. Nil means a client without timeout.
	Client *http.Client
	// FetchTimeout bounds runtime network fetches on a miss. Zero leaves
	// them bounded only by the request context.
	FetchTimeout time.Duration
	// InstallConcurrency caps parallel manifest fetches during Install.
	InstallConcurrency int
}

// Manager owns the cache lifecycle: Install populates a new generation,
// Activate promotes it and garbage-collects the others, HandleFetch serves
// requests cache-first from the controlling generation.
type Manager struct {
	origin       *url.URL
	client       *http.Client
	store        *Storage
	tracer       trace.Tracer
	fetchTimeout time.Duration
	installLimit int

	// installMu serializes Install and Activate.
	installMu sync.Mutex

	mu          sync.Mutex
	state       State
	waiting     *Generation
	controller  *Generation
	activating  chan struct{}
	skipWaiting bool

	syncMu sync.RWMutex
	syncs  map[string]SyncHandler

	// beforeDelete, when set, runs before each stale generation is deleted.
	beforeDelete func(name string)
}

func NewManager(store *Storage, opts Options) (*Manager, error) {
	origin, err := url.Parse(strings.TrimRight(opts.Origin, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse origin")
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, errors.Errorf("origin %q must be absolute", opts.Origin)
	}
	origin.Path, origin.RawQuery, origin.Fragment = "", "", ""

	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	limit := opts.InstallConcurrency
	if limit <= 0 {
		limit = 6
	}

	m := &Manager{
		origin:       origin,
		client:       client,
		store:        store,
		tracer:       otel.Tracer("offcache"),
		fetchTimeout: opts.FetchTimeout,
		installLimit: limit,
		syncs:        map[string]SyncHandler{},
	}

	if name := store.Active(); name != "" {
		gen, err := store.Generation(name)
		if err != nil {
			return nil, err
		}
		m.controller = gen
		m.state = StateActive
		log.WithField("generation", name).Info("resuming active cache generation")
	}
	// The newest generation that never activated is still waiting.
	if names := store.Names(); len(names) > 0 {
		if newest := names[len(names)-1]; newest != store.Active() {
			gen, err := store.Generation(newest)
			if err != nil {
				return nil, err
			}
			m.waiting = gen
			m.state = StateInstalled
		}
	}

	m.RegisterSync(ContactFormTag, logContactFormSync)
	return m, nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SkipWaiting reports whether the installed generation asked to be
// activated right away instead of waiting for old clients to go.
func (m *Manager) SkipWaiting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting != nil && m.skipWaiting
}

// Controller is the generation currently serving fetches, or nil.
func (m *Manager) Controller() *Generation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controller
}

// Install fetches every manifest URL and stores the responses as generation
// version. Any failed fetch aborts the install: nothing is written and the
// current controller keeps serving.
func (m *Manager) Install(ctx context.Context, version string, manifest Manifest) (*Generation, error) {
	ctx, span := m.tracer.Start(ctx, "offcache.Install",
		trace.WithAttributes(attribute.String("offcache.generation", version)))
	defer span.End()

	man, err := manifest.Normalize()
	if err != nil {
		return nil, err
	}
	if version == "" {
		return nil, errors.Wrap(ErrInvalidManifest, "empty version")
	}

	m.installMu.Lock()
	defer m.installMu.Unlock()

	m.mu.Lock()
	if m.controller != nil && m.controller.Name() == version {
		gen := m.controller
		m.mu.Unlock()
		log.WithField("generation", version).Info("generation already active, nothing to install")
		return gen, nil
	}
	if m.waiting != nil && m.waiting.Name() == version {
		m.waiting = nil
	}
	m.state = StateInstalling
	m.mu.Unlock()

	logger := log.WithFields(log.Fields{"generation": version, "urls": len(man.URLs)})
	logger.Info("caching static assets")

	gen, err := m.install(ctx, version, man)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "install failed")
		logger.Errorf("installation failed: %v", err)
		m.mu.Lock()
		m.state = m.restingStateLocked()
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	if m.waiting != nil {
		log.WithField("generation", m.waiting.Name()).Infof("superseded by %s, %s", version, StateRedundant)
	}
	m.waiting = gen
	m.skipWaiting = true
	m.state = StateInstalled
	m.mu.Unlock()

	logger.Info("generation installed")
	return gen, nil
}

func (m *Manager) install(ctx context.Context, version string, man Manifest) (*Generation, error) {
	// A generation under this name that never activated is a leftover from
	// an earlier process; it is rebuilt from scratch.
	if m.store.Has(version) {
		if _, err := m.store.Delete(version); err != nil {
			return nil, &InstallError{Version: version, URL: "-", Err: err}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.installLimit)
	fetched := make([]Entry, len(man.URLs))
	for i, u := range man.URLs {
		g.Go(func() error {
			ent, _, err := m.fetchNetwork(gctx, u, nil)
			if err != nil {
				return &InstallError{Version: version, URL: u, Err: err}
			}
			if ent.Status < 200 || ent.Status >= 300 {
				return &InstallError{Version: version, URL: u, Err: errors.Errorf("unexpected status %d", ent.Status)}
			}
			fetched[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make(map[string]Entry, len(man.URLs))
	for i, u := range man.URLs {
		entries[RequestKey(http.MethodGet, u)] = fetched[i]
	}
	gen, err := m.store.create(genMeta{
		Name:        version,
		CreatedAt:   time.Now().UnixNano(),
		OfflinePage: man.OfflinePage,
		URLs:        man.URLs,
	}, entries)
	if err != nil {
		return nil, &InstallError{Version: version, URL: "-", Err: err}
	}
	return gen, nil
}

func (m *Manager) restingStateLocked() State {
	switch {
	case m.waiting != nil:
		return StateInstalled
	case m.controller != nil:
		return StateActive
	}
	return StateUninstalled
}

// Activate promotes the installed generation: every other generation is
// deleted, then all clients are claimed. Fetches arriving meanwhile wait for
// the claim, so nobody is served from a generation being deleted. With
// nothing waiting it only re-runs the cleanup, which is a no-op once clean.
func (m *Manager) Activate(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "offcache.Activate")
	defer span.End()

	m.installMu.Lock()
	defer m.installMu.Unlock()

	m.mu.Lock()
	next := m.waiting
	if next == nil {
		cur := m.controller
		m.mu.Unlock()
		if cur == nil {
			return ErrNoInstalledGeneration
		}
		_, err := m.deleteStale(ctx, cur.Name())
		return err
	}
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return err
	}
	ready := make(chan struct{})
	m.activating = ready
	m.state = StateActivating
	m.mu.Unlock()
	defer close(ready)

	span.SetAttributes(attribute.String("offcache.generation", next.Name()))

	// Deletion runs to completion once started, even if the caller gives up.
	deleted, err := m.deleteStale(context.WithoutCancel(ctx), next.Name())
	if err == nil {
		err = m.store.SetActive(next.Name())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.activating = nil
	if err != nil && m.controller != nil && !m.store.Has(m.controller.Name()) {
		// The old controller is already deleted; claim next.
		log.WithField("generation", next.Name()).Warnf("activation incomplete, claiming anyway: %v", err)
		if serr := m.store.SetActive(next.Name()); serr == nil {
			err = nil
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "activate failed")
		m.state = StateInstalled
		return err
	}
	m.controller = next
	m.waiting = nil
	m.skipWaiting = false
	m.state = StateActive

	log.WithFields(log.Fields{"generation": next.Name(), "deleted": deleted}).Info("generation activated, clients claimed")
	return nil
}

func (m *Manager) deleteStale(ctx context.Context, keep string) (int, error) {
	deleted := 0
	for _, name := range m.store.Names() {
		if name == keep {
			continue
		}
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if m.beforeDelete != nil {
			m.beforeDelete(name)
		}
		log.WithField("generation", name).Info("deleting old cache generation")
		ok, err := m.store.Delete(name)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// controlling returns the generation that serves new fetches, waiting out an
// activation in progress.
func (m *Manager) controlling(ctx context.Context) (*Generation, error) {
	for {
		m.mu.Lock()
		ready, gen := m.activating, m.controller
		m.mu.Unlock()
		if ready == nil {
			return gen, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// HandleFetch answers a same-origin GET cache-first. Non-GET requests,
// requests for other origins and requests arriving before any generation
// controls return ErrNotIntercepted. On a miss the network response is
// returned live, and a 200 basic response is stored in the background. A
// failed network fetch for a navigation falls back to the offline page.
func (m *Manager) HandleFetch(r *http.Request) (Response, error) {
	if r.Method != http.MethodGet || !m.inScope(r) {
		return Response{}, ErrNotIntercepted
	}

	ctx := r.Context()
	gen, err := m.controlling(ctx)
	if err != nil {
		return Response{}, err
	}
	if gen == nil {
		return Response{}, ErrNotIntercepted
	}

	ctx, span := m.tracer.Start(ctx, "offcache.HandleFetch", trace.WithAttributes(
		attribute.String("offcache.generation", gen.Name()),
		attribute.String("http.target", r.URL.RequestURI()),
	))
	defer span.End()

	key := requestKeyOf(r)
	if ent, ok := gen.Match(key); ok {
		span.SetAttributes(attribute.String("offcache.source", SourceHit))
		return Response{Entry: ent, Source: SourceHit}, nil
	}

	fctx := ctx
	if m.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, m.fetchTimeout)
		defer cancel()
	}
	ent, basic, err := m.fetchNetwork(fctx, r.URL.RequestURI(), r.Header)
	if err != nil {
		if isNavigation(r) && gen.OfflinePage() != "" {
			if page, ok := gen.Match(RequestKey(http.MethodGet, gen.OfflinePage())); ok {
				span.SetAttributes(attribute.String("offcache.source", SourceOffline))
				return Response{Entry: page, Source: SourceOffline}, nil
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "network fetch failed")
		return Response{}, err
	}

	if basic && ent.Status == http.StatusOK {
		gen.PutAsync(key, ent.Clone())
		span.SetAttributes(attribute.String("offcache.source", SourceMiss))
		return Response{Entry: ent, Source: SourceMiss}, nil
	}
	span.SetAttributes(attribute.String("offcache.source", SourceNetwork))
	return Response{Entry: ent, Source: SourceNetwork}, nil
}

type GenerationStatus struct {
	Name        string `json:"name"`
	Entries     int    `json:"entries"`
	OfflinePage string `json:"offlinePage,omitempty"`
	Active      bool   `json:"active"`
}

type Status struct {
	State       string             `json:"state"`
	Controller  string             `json:"controller,omitempty"`
	Waiting     string             `json:"waiting,omitempty"`
	Generations []GenerationStatus `json:"generations"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{State: m.state.String()}
	if m.controller != nil {
		st.Controller = m.controller.Name()
	}
	if m.waiting != nil {
		st.Waiting = m.waiting.Name()
	}
	m.mu.Unlock()

	active := m.store.Active()
	for _, name := range m.store.Names() {
		meta, ok := m.store.meta(name)
		if !ok {
			continue
		}
		st.Generations = append(st.Generations, GenerationStatus{
			Name:        name,
			Entries:     m.store.lenOf(name),
			OfflinePage: meta.OfflinePage,
			Active:      name == active,
		})
	}
	return st
}
