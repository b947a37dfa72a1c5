// Package refresh implements the Refresh Scheduler of spec §4.4: a
// periodic tick that refreshes materialized leaderboard views in priority
// order, plus a debounced and coalesced event-driven refresh path.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	leaderrors "github.com/typemaster/leaderboard/internal/errors"
	"github.com/typemaster/leaderboard/internal/metrics"
	"github.com/typemaster/leaderboard/internal/model"
)

// RefreshFunc performs one targeted materialized-view refresh.
type RefreshFunc func(ctx context.Context, mode model.LeaderboardMode, timeframe model.Timeframe, language string) error

// Config bounds the Scheduler's periodic tick and debounce window.
type Config struct {
	Interval time.Duration
	Debounce time.Duration
}

// DefaultConfig matches the spec §4.4 defaults: 30s periodic tick, 500ms
// debounce.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, Debounce: 500 * time.Millisecond}
}

type ViewKey struct {
	Mode      model.LeaderboardMode
	Timeframe model.Timeframe
	Language  string
}

// view tracks the debounce/coalesce state for one materialized view.
type view struct {
	timer      *time.Timer
	inProgress bool
	pending    bool
}

// Scheduler runs the periodic full-fleet refresh via robfig/cron and
// coalesces event-driven refresh requests per view.
type Scheduler struct {
	cfg     Config
	refresh RefreshFunc
	metrics *metrics.Metrics
	log     *logrus.Entry
	cron    *cron.Cron

	mu    sync.Mutex
	views map[ViewKey]*view

	// allViews lists every (mode, timeframe, language) partition the
	// periodic tick sweeps, in priority order (daily > weekly > monthly > all).
	allViews []ViewKey
}

// New creates a Scheduler. allViews is the full set of partitions the
// periodic tick refreshes, already ordered daily-first.
func New(cfg Config, fn RefreshFunc, m *metrics.Metrics, log *logrus.Entry, allViews []ViewKey) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		refresh:  fn,
		metrics:  m,
		log:      log,
		cron:     cron.New(),
		views:    make(map[ViewKey]*view),
		allViews: allViews,
	}
}

// NewViewKey constructs the (mode, timeframe, language) identifier used by
// both the periodic sweep and RequestRefresh.
func NewViewKey(mode model.LeaderboardMode, timeframe model.Timeframe, language string) ViewKey {
	return ViewKey{Mode: mode, Timeframe: timeframe, Language: language}
}

// Start schedules the periodic full sweep using a cron spec equivalent to
// the configured interval (e.g. "@every 30s").
func (s *Scheduler) Start(ctx context.Context) error {
	spec := "@every " + s.cfg.Interval.String()
	_, err := s.cron.AddFunc(spec, func() { s.sweep(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the periodic sweep and waits for any in-flight run to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

func (s *Scheduler) sweep(ctx context.Context) {
	for _, key := range s.allViews {
		s.refreshOne(ctx, key)
	}
}

// RequestRefresh is the event-driven refresh trigger (spec §4.2 step 3):
// debounced per view, and coalesced so a burst of triggers for the same
// view while a refresh is already running produces at most one further
// run.
func (s *Scheduler) RequestRefresh(ctx context.Context, mode model.LeaderboardMode, timeframe model.Timeframe, language string, priority int) {
	key := ViewKey{Mode: mode, Timeframe: timeframe, Language: language}

	s.mu.Lock()
	v, ok := s.views[key]
	if !ok {
		v = &view{}
		s.views[key] = v
	}

	if v.inProgress {
		v.pending = true
		s.mu.Unlock()
		return
	}

	if v.timer != nil {
		v.timer.Stop()
	}
	v.timer = time.AfterFunc(s.cfg.Debounce, func() { s.refreshOne(ctx, key) })
	s.mu.Unlock()
}

func (s *Scheduler) refreshOne(ctx context.Context, key ViewKey) {
	s.mu.Lock()
	v, ok := s.views[key]
	if !ok {
		v = &view{}
		s.views[key] = v
	}
	if v.inProgress {
		v.pending = true
		s.mu.Unlock()
		return
	}
	v.inProgress = true
	s.mu.Unlock()

	err := s.refresh(ctx, key.Mode, key.Timeframe, key.Language)

	s.mu.Lock()
	v.inProgress = false
	rerun := v.pending
	v.pending = false
	s.mu.Unlock()

	if err != nil {
		if isQuotaErr(err) {
			if s.log != nil {
				s.log.WithError(err).Debug("refresh skipped: quota exceeded")
			}
		} else {
			if s.log != nil {
				s.log.WithError(err).Error("refresh failed")
			}
			if s.metrics != nil {
				s.metrics.ErrorsTotal.WithLabelValues(s.metrics.ServiceName, "refresh_scheduler").Inc()
			}
		}
	}

	if rerun {
		s.refreshOne(ctx, key)
	}
}

// isQuotaErr reports whether err is a quota/rate-limit rejection (spec
// §4.4 "Guards"), logged at debug rather than treated as a scheduling
// failure.
func isQuotaErr(err error) bool {
	se := leaderrors.GetServiceError(err)
	return se != nil && (se.Code == leaderrors.ErrCodeDownstreamBusy || se.Code == leaderrors.ErrCodeIPRateLimited)
}
