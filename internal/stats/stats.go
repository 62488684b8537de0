// Package stats derives mood statistics from the user and mood caches.
//
// Recomputation goes through a coalesce.Scheduler: a burst of cache
// changes (a snapshot replay, a reconnect) yields one computation over the
// settled state.
package stats

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/livesync/internal/cache"
	"github.com/rickgao/livesync/internal/coalesce"
	"github.com/rickgao/livesync/internal/model"
	"github.com/rickgao/livesync/internal/stream"
)

const scheduleKey = "mood-stats"

// MoodCount is the number of users currently in one mood.
type MoodCount struct {
	Mood  model.Mood
	Users int
}

// Snapshot is the mood distribution at one point in time.
type Snapshot struct {
	Moods      []MoodCount // ordered by Mood.Order
	Unset      int         // users without a known mood
	Total      int
	ComputedAt time.Time
}

// Compute counts users per mood.
func Compute(moods []model.Mood, users []model.User) Snapshot {
	sorted := append([]model.Mood(nil), moods...)
	model.SortMoods(sorted)

	index := make(map[string]int, len(sorted))
	counts := make([]MoodCount, len(sorted))
	for i, m := range sorted {
		index[m.ID] = i
		counts[i] = MoodCount{Mood: m}
	}

	s := Snapshot{Moods: counts, Total: len(users), ComputedAt: time.Now()}
	for _, u := range users {
		if i, ok := index[u.MoodID]; ok {
			counts[i].Users++
		} else {
			s.Unset++
		}
	}
	return s
}

// Tracker keeps a Snapshot current as the caches change.
type Tracker struct {
	users  *cache.Cache[model.User]
	moods  *cache.Cache[model.Mood]
	sched  *coalesce.Scheduler
	delay  time.Duration
	logger *slog.Logger

	updates *stream.Hub[Snapshot]

	mu           sync.RWMutex
	latest       Snapshot
	computations int64

	feeds []*stream.Stream[cache.Change]
	wg    sync.WaitGroup
}

// NewTracker creates a Tracker. Changes within delay of each other are
// coalesced into one computation.
func NewTracker(users *cache.Cache[model.User], moods *cache.Cache[model.Mood], sched *coalesce.Scheduler, delay time.Duration, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		users:   users,
		moods:   moods,
		sched:   sched,
		delay:   delay,
		logger:  logger,
		updates: stream.NewHub[Snapshot](),
	}
}

// Start follows both caches and schedules an initial computation.
func (t *Tracker) Start() {
	t.feeds = []*stream.Stream[cache.Change]{t.users.Changes(), t.moods.Changes()}
	for _, f := range t.feeds {
		t.wg.Add(1)
		go t.follow(f)
	}
	t.sched.Schedule(scheduleKey, t.delay, t.recompute)
}

// Stop stops following the caches and ends every Updates stream.
func (t *Tracker) Stop() {
	for _, f := range t.feeds {
		f.Close()
	}
	t.wg.Wait()
	t.feeds = nil
	t.sched.Cancel(scheduleKey)
	t.updates.Close()
}

// Latest returns the most recent computation.
func (t *Tracker) Latest() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest
}

// Computations returns how many times the snapshot was recomputed.
func (t *Tracker) Computations() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.computations
}

// Updates returns a stream of later computations.
func (t *Tracker) Updates() *stream.Stream[Snapshot] {
	return t.updates.Subscribe()
}

func (t *Tracker) follow(s *stream.Stream[cache.Change]) {
	defer t.wg.Done()
	for range s.C() {
		t.sched.Schedule(scheduleKey, t.delay, t.recompute)
	}
}

func (t *Tracker) recompute() {
	s := Compute(t.moods.Values(), t.users.Values())

	t.mu.Lock()
	t.latest = s
	t.computations++
	t.mu.Unlock()

	t.logger.Debug("mood stats recomputed", "users", s.Total, "moods", len(s.Moods), "unset", s.Unset)
	t.updates.Publish(s)
}
