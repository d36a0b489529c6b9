package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSweepInterval is how often the janitor runs
const DefaultSweepInterval = time.Minute

// EvictFunc is called with the study UID of every removed directory
type EvictFunc func(ctx context.Context, studyUID string)

// Janitor removes study directories whose modification time is older than
// the retention. A study being fetched while it is swept may lose files; the
// next request fetches it again.
type Janitor struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	onEvict   EvictFunc
	now       func() time.Time
	log       zerolog.Logger
}

// NewJanitor creates a janitor. A negative retention disables sweeping.
func NewJanitor(store *Store, retention, interval time.Duration, onEvict EvictFunc, logger zerolog.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Janitor{
		store:     store,
		retention: retention,
		interval:  interval,
		onEvict:   onEvict,
		now:       time.Now,
		log:       logger.With().Str("component", "janitor").Logger(),
	}
}

// Enabled reports whether sweeping is on
func (j *Janitor) Enabled() bool {
	return j.retention >= 0
}

// Sweep removes expired study directories and returns their UIDs
func (j *Janitor) Sweep(ctx context.Context) ([]string, error) {
	if !j.Enabled() {
		return nil, nil
	}

	entries, err := os.ReadDir(j.store.Root())
	if err != nil {
		return nil, err
	}

	now := j.now()
	var removed []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime())
		if age <= j.retention {
			continue
		}

		if err := os.RemoveAll(filepath.Join(j.store.Root(), e.Name())); err != nil {
			j.log.Warn().Err(err).Str("study_uid", e.Name()).Msg("failed to evict study")
			continue
		}
		j.log.Info().
			Str("study_uid", e.Name()).
			Dur("age", age).
			Msg("evicted study")
		removed = append(removed, e.Name())
		if j.onEvict != nil {
			j.onEvict(ctx, e.Name())
		}
	}
	return removed, nil
}

// Run sweeps once immediately and then every interval until ctx is done
func (j *Janitor) Run(ctx context.Context) {
	if !j.Enabled() {
		j.log.Info().Msg("cache eviction disabled")
		return
	}

	j.sweepLogged(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweepLogged(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (j *Janitor) sweepLogged(ctx context.Context) {
	if _, err := j.Sweep(ctx); err != nil {
		j.log.Error().Err(err).Msg("cache sweep failed")
	}
}
