package offcache

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// defaultBackOff retries installs until the context ends: a failed install
// leaves the previous generation serving, so giving up gains nothing.
func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	return b
}

// Update runs one lifecycle pass for version: install (retrying transient
// failures with b) and, if the new generation asks to skip waiting,
// activate it. An invalid manifest is not retried.
func (m *Manager) Update(ctx context.Context, version string, manifest Manifest, b backoff.BackOff) error {
	op := func() error {
		_, err := m.Install(ctx, version, manifest)
		if errors.Is(err, ErrInvalidManifest) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.WithField("generation", version).Warnf("install failed, retrying in %s: %v", wait, err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return err
	}
	if !m.SkipWaiting() {
		return nil
	}
	return m.Activate(ctx)
}
