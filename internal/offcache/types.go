package offcache

import (
	"net/http"

	"github.com/minio/sha256-simd"
)

// Entry is a stored response snapshot. Entries are never mutated once stored;
// a fresh fetch of the same key replaces the whole value.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Digest   [sha256.Size]byte
}

func newEntry(status int, h http.Header, body []byte, storedAt int64) Entry {
	ent := Entry{
		Status:   status,
		Header:   cloneHeader(h),
		Body:     body,
		StoredAt: storedAt,
		Digest:   sha256.Sum256(body),
	}
	ent.Header.Del("Content-Length")
	return ent
}

// Clone returns a deep copy, so the live response and the stored one never
// share header maps or body bytes.
func (e Entry) Clone() Entry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = make([]byte, len(e.Body))
		copy(out.Body, e.Body)
	}
	return out
}

func (e Entry) intact() bool {
	return sha256.Sum256(e.Body) == e.Digest
}

func (e Entry) size() int64 {
	n := int64(len(e.Body))
	for k, vs := range e.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// Response is what HandleFetch hands back to the runtime adapter.
type Response struct {
	Entry
	// Source tells where the response came from; it is echoed in the
	// X-Offcache header.
	Source string
}

const (
	SourceHit          = "hit"
	SourceMiss         = "miss"
	SourceNetwork      = "network"
	SourceOffline      = "offline"
	SourcePassthrough  = "passthrough"
	SourceNetworkError = "network-error"
)

// State is the lifecycle state of the manager's newest generation.
type State int

const (
	StateUninstalled State = iota
	StateInstalling
	StateInstalled // installed, waiting to activate
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed-waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	}
	return "unknown"
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
