package offcache

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// DiscoverURLs walks the given sitemaps (following sitemap indexes) and
// returns the same-origin paths they list, in document order and without
// duplicates. Locations on other hosts are skipped.
func DiscoverURLs(ctx context.Context, client *http.Client, origin string, sitemaps []string) ([]string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	base, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse origin")
	}

	queue := make([]string, 0, len(sitemaps))
	for _, sm := range sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, resolveAgainst(base, sm))
		}
	}

	var out []string
	seenPaths := map[string]struct{}{}
	seenSitemaps := map[string]struct{}{}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := fetchSitemap(ctx, client, smURL)
		if err != nil {
			return out, errors.Wrapf(err, "fetch sitemap %q", smURL)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, resolveAgainst(base, nested))
			}
		}

		kept := 0
		for _, loc := range doc.URLs {
			p, ok := pathFromLoc(base, loc)
			if !ok {
				continue
			}
			if _, dup := seenPaths[p]; dup {
				continue
			}
			seenPaths[p] = struct{}{}
			out = append(out, p)
			kept++
		}
		log.WithFields(log.Fields{"sitemap": smURL, "urls": len(doc.URLs), "kept": kept}).Info("sitemap scanned")
	}
	return out, nil
}

func resolveAgainst(base *url.URL, ref string) string {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func pathFromLoc(base *url.URL, loc string) (string, bool) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return "", false
	}
	u, err := url.Parse(loc)
	if err != nil {
		return "", false
	}
	if u.IsAbs() && !sameOrigin(u, base) {
		return "", false
	}
	u.Scheme, u.Host, u.Fragment = "", "", ""
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	return u.RequestURI(), true
}

func fetchSitemap(ctx context.Context, client *http.Client, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, errors.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// .gz sitemaps may arrive already decompressed by the transport, so the
	// magic bytes decide.
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return sitemapDoc{}, errors.Wrap(err, "gzip")
		}
		defer gz.Close()
		if body, err = io.ReadAll(gz); err != nil {
			return sitemapDoc{}, errors.Wrap(err, "gunzip")
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, errors.Wrap(err, "parse sitemap xml")
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
