package offcache

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// ContactFormTag is the background-sync tag the site registers when a
// contact form submission fails offline.
const ContactFormTag = "contact-form"

// SyncHandler runs when connectivity returns for a registered tag.
type SyncHandler func(ctx context.Context) error

// RegisterSync installs h for tag, replacing any earlier handler.
func (m *Manager) RegisterSync(tag string, h SyncHandler) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	if h == nil {
		delete(m.syncs, tag)
		return
	}
	m.syncs[tag] = h
}

// Sync dispatches a background-sync event. Unknown tags are ignored; the
// handler's error is returned so the caller may retry later.
func (m *Manager) Sync(ctx context.Context, tag string) error {
	m.syncMu.RLock()
	h, ok := m.syncs[tag]
	m.syncMu.RUnlock()
	if !ok {
		log.WithField("tag", tag).Debug("no sync handler registered")
		return nil
	}
	ctx, span := m.tracer.Start(ctx, "offcache.Sync")
	defer span.End()
	return h(ctx)
}

// logContactFormSync only records the event: submissions are not queued
// anywhere, so there is nothing to resubmit.
func logContactFormSync(ctx context.Context) error {
	log.WithField("tag", ContactFormTag).Info("handling offline form submission")
	return nil
}
