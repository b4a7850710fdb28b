package offcache

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/sha256-simd"
	"github.com/pkg/errors"
)

var ErrInvalidManifest = errors.New("invalid manifest")

// FieldError names the manifest field that failed validation. It matches
// ErrInvalidManifest under errors.Is.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return "manifest." + e.Field + ": " + e.Err.Error() }

func (e *FieldError) Unwrap() error { return e.Err }

func (e *FieldError) Is(target error) bool { return target == ErrInvalidManifest }

// Manifest is the ordered list of same-origin paths fetched at install time,
// plus the page served to offline navigations.
type Manifest struct {
	URLs        []string `yaml:"urls" env:"URLS" envSeparator:","`
	OfflinePage string   `yaml:"offlinePage" env:"OFFLINE_PAGE"`
}

// Normalize validates paths, drops duplicates keeping first occurrence and
// makes sure the offline page is part of the install set.
func (m Manifest) Normalize() (Manifest, error) {
	out := Manifest{URLs: make([]string, 0, len(m.URLs)+1)}
	seen := map[string]struct{}{}
	for i, raw := range m.URLs {
		p, err := normalizePath(raw)
		if err != nil {
			return Manifest{}, &FieldError{Field: fmt.Sprintf("urls[%d]", i), Err: err}
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out.URLs = append(out.URLs, p)
	}

	if strings.TrimSpace(m.OfflinePage) != "" {
		p, err := normalizePath(m.OfflinePage)
		if err != nil {
			return Manifest{}, &FieldError{Field: "offlinePage", Err: err}
		}
		out.OfflinePage = p
		if _, ok := seen[p]; !ok {
			out.URLs = append(out.URLs, p)
		}
	}
	if len(out.URLs) == 0 {
		return Manifest{}, &FieldError{Field: "urls", Err: errors.New("at least one url is required")}
	}
	return out, nil
}

// Digest identifies the manifest contents. Any change to the URL list or
// the offline page yields a different digest.
func (m Manifest) Digest() string {
	h := sha256.New()
	for _, u := range m.URLs {
		h.Write([]byte(u))
		h.Write([]byte{'\n'})
	}
	h.Write([]byte("offline:" + m.OfflinePage))
	return hex.EncodeToString(h.Sum(nil))
}

// Version names the generation for this manifest: "<prefix>-<digest[:12]>".
func (m Manifest) Version(prefix string) string {
	if prefix == "" {
		prefix = "offcache"
	}
	return prefix + "-" + m.Digest()[:12]
}

func normalizePath(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty path")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.IsAbs() || u.Host != "" {
		return "", errors.Errorf("%q is not a same-origin path", raw)
	}
	if !strings.HasPrefix(u.Path, "/") {
		return "", errors.Errorf("%q must start with /", raw)
	}
	u.Fragment = ""
	return u.RequestURI(), nil
}

// RequestKey is the cache key for a request: method plus path and query.
func RequestKey(method, requestURI string) string {
	if method == "" {
		method = http.MethodGet
	}
	if requestURI == "" {
		requestURI = "/"
	}
	return method + " " + requestURI
}

func requestKeyOf(r *http.Request) string {
	return RequestKey(r.Method, r.URL.RequestURI())
}
