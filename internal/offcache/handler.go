package offcache

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// AdminPrefix is the path prefix reserved for the proxy's own endpoints.
const AdminPrefix = "/_offcache/"

const sourceHeader = "X-Offcache"

// handler adapts a Manager to net/http: intercepted requests are answered
// from HandleFetch, everything else is proxied untouched, without even the
// X-Offcache header.
type handler struct {
	m     *Manager
	proxy *httputil.ReverseProxy
	stats *statsCollector
}

func newHandler(m *Manager, stats *statsCollector) *handler {
	h := &handler{m: m, stats: stats}
	h.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(m.origin)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.WithFields(log.Fields{"method": r.Method, "url": r.URL.String()}).Warnf("passthrough failed: %v", err)
			h.observe(SourceNetworkError, 0)
			setSourceHeaders(w.Header(), SourceNetworkError)
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() && strings.HasPrefix(r.URL.Path, AdminPrefix) {
		h.serveAdmin(w, r)
		return
	}

	// Only the origin is ever dialed: other origins are the client's business.
	if !h.m.inScope(r) {
		log.WithField("url", r.URL.String()).Debug("refusing cross-origin request")
		http.Error(w, "cross-origin requests are not proxied", http.StatusForbidden)
		return
	}

	res, err := h.m.HandleFetch(r)
	switch {
	case errors.Is(err, ErrNotIntercepted):
		h.observe(SourcePassthrough, 0)
		h.proxy.ServeHTTP(w, r)
	case err != nil:
		if r.Context().Err() != nil {
			return
		}
		log.WithField("url", r.URL.RequestURI()).Debugf("network fetch failed: %v", err)
		h.observe(SourceNetworkError, 0)
		setSourceHeaders(w.Header(), SourceNetworkError)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	default:
		writeEntry(w, res.Entry, res.Source)
		h.observe(res.Source, len(res.Body))
	}
}

func (h *handler) observe(source string, n int) {
	if h.stats != nil {
		h.stats.Observe(source, n)
	}
}

func (h *handler) serveAdmin(w http.ResponseWriter, r *http.Request) {
	switch strings.TrimPrefix(r.URL.Path, AdminPrefix) {
	case "status":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, h.m.Status())
	case "sync":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tag := r.URL.Query().Get("tag")
		if tag == "" {
			http.Error(w, "tag is required", http.StatusBadRequest)
			return
		}
		if err := h.m.Sync(r.Context(), tag); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"tag": tag, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"tag": tag})
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeEntry(w http.ResponseWriter, ent Entry, source string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, sourceHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSourceHeaders(w.Header(), source)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setSourceHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(sourceHeader, source)
	}
	// Custom headers stay invisible to cross-origin scripts unless exposed.
	ensureExposedHeader(h, sourceHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
