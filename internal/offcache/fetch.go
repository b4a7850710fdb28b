package offcache

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// hopHeaders are connection-scoped and never forwarded to the origin.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// conditionalHeaders would let the origin answer 304 or 206, neither of
// which can be stored. Misses always ask for the full representation.
var conditionalHeaders = []string{
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// fetchNetwork performs a GET against the origin for requestURI and reads
// the whole body. basic reports whether the final response, after
// redirects, still came from the origin.
func (m *Manager) fetchNetwork(ctx context.Context, requestURI string, src http.Header) (ent Entry, basic bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.origin.String()+requestURI, nil)
	if err != nil {
		return Entry{}, false, errors.Wrap(err, "build origin request")
	}
	copyHeaders(req.Header, src)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := m.client.Do(req)
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, "fetch %s", requestURI)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, "read %s", requestURI)
	}

	ent = newEntry(resp.StatusCode, resp.Header, body, time.Now().Unix())
	basic = resp.Request != nil && sameOrigin(resp.Request.URL, m.origin)
	return ent, basic, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
	for _, h := range conditionalHeaders {
		dst.Del(h)
	}
}

func sameOrigin(u, origin *url.URL) bool {
	return strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host)
}

// inScope reports whether r targets the site this manager serves. Requests
// in origin form are addressed to us; absolute-form requests are in scope
// only when they name the origin.
func (m *Manager) inScope(r *http.Request) bool {
	if !r.URL.IsAbs() {
		return true
	}
	return sameOrigin(r.URL, m.origin)
}

// isNavigation reports whether r loads a full document. Fetch metadata
// headers decide when the client sends them; otherwise an HTML Accept
// header is taken as a navigation.
func isNavigation(r *http.Request) bool {
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document"
	}
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
