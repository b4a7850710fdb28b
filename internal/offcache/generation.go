package offcache

// Generation is a handle to one named cache generation. Handles are cheap;
// they stay valid after the generation is deleted, but then every lookup
// misses and every write is rejected.
type Generation struct {
	name        string
	offlinePage string
	st          *Storage
}

func (g *Generation) Name() string { return g.name }

// OfflinePage is the path served to navigations when the network is gone.
func (g *Generation) OfflinePage() string { return g.offlinePage }

func (g *Generation) Match(key string) (Entry, bool) {
	return g.st.match(g.name, key)
}

// Put stores ent synchronously.
func (g *Generation) Put(key string, ent Entry) error {
	g.st.opsMu.RLock()
	closed := g.st.closed
	g.st.opsMu.RUnlock()
	if closed {
		return ErrClosed
	}
	return g.st.put(g.name, key, ent)
}

// PutAsync queues ent for storage and returns immediately. Failures are
// logged, never reported.
func (g *Generation) PutAsync(key string, ent Entry) {
	g.st.putAsync(g.name, key, ent)
}

// Keys lists the stored request keys in lexical order.
func (g *Generation) Keys() []string { return g.st.keysOf(g.name) }

func (g *Generation) Len() int { return g.st.lenOf(g.name) }
