package offcache

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// Service wires storage, the lifecycle manager and the HTTP adapter
// together, and owns the background goroutines around them.
type Service struct {
	cfg Config

	store *Storage
	mgr   *Manager
	h     *handler
	stats *statsCollector

	newBackOff func() backoff.BackOff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	updateMu     sync.Mutex
	cancelUpdate context.CancelFunc
	updateDone   chan struct{}
}

func NewService(cfg Config) (*Service, error) {
	store, err := OpenStorage(cfg.Cache.Dir, cfg.RAMMax())
	if err != nil {
		return nil, err
	}
	mgr, err := NewManager(store, Options{
		Origin:             cfg.Server.Origin,
		FetchTimeout:       cfg.FetchTimeout(),
		InstallConcurrency: cfg.Cache.InstallConcurrency,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:        cfg,
		store:      store,
		mgr:        mgr,
		stats:      newStatsCollector(),
		newBackOff: defaultBackOff,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.h = newHandler(mgr, s.stats)

	if every := cfg.StatsEvery(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return s, nil
}

func (s *Service) Manager() *Manager { return s.mgr }

func (s *Service) Handler() http.Handler { return s.h }

// Start kicks off the install/activate cycle for the configured manifest in
// the background. Requests are served meanwhile by whatever generation was
// active before.
func (s *Service) Start() {
	s.startUpdate(s.cfg.Version(), s.cfg.Manifest)
}

// Reload switches to the manifest and version of cfg. An update still in
// flight is cancelled first; the active generation keeps serving until the
// new one activates. Other settings need a restart.
func (s *Service) Reload(cfg Config) {
	if cfg.Server != s.cfg.Server || cfg.Cache.Dir != s.cfg.Cache.Dir {
		log.Warn("server and cache.dir changes take effect on restart only")
	}
	s.cfg.Manifest = cfg.Manifest
	s.cfg.Cache.Version = cfg.Cache.Version
	s.cfg.Cache.Prefix = cfg.Cache.Prefix
	s.startUpdate(s.cfg.Version(), s.cfg.Manifest)
}

func (s *Service) startUpdate(version string, manifest Manifest) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	if s.cancelUpdate != nil {
		s.cancelUpdate()
		<-s.updateDone
	}
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.cancelUpdate, s.updateDone = cancel, done

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		err := s.mgr.Update(ctx, version, manifest, s.newBackOff())
		switch {
		case err == nil:
		case ctx.Err() != nil:
			log.WithField("generation", version).Info("update cancelled")
		default:
			log.WithField("generation", version).Errorf("update failed: %v", err)
		}
	}()
}

// WaitUpdate blocks until the latest update pass returns.
func (s *Service) WaitUpdate() {
	s.updateMu.Lock()
	done := s.updateDone
	s.updateMu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
	s.store.Close()
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	fields := log.Fields{
		"generations": len(s.store.Names()),
		"keys":        s.store.KeyCount(),
		"ram":         formatBytes(uint64(s.store.RAMSize())),
		"hits":        ss.Hits,
		"misses":      ss.Misses,
		"network":     ss.Network,
		"offline":     ss.Offline,
		"passthrough": ss.Passthrough,
		"failures":    ss.Failures,
		"hitRatio":    ss.HitRatio(),
	}
	if rss, ok := processRSSBytes(); ok {
		fields["rss"] = formatBytes(rss)
	}
	log.WithFields(fields).Infof("Resp min/avg/max %s/%s/%s",
		formatBytes(ss.MinRespBytes), formatBytes(ss.AvgRespBytes), formatBytes(ss.MaxRespBytes))
}
