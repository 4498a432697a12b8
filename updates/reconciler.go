// Package updates implements the update reconciler (component C5):
// pts gap detection against the common and per-channel update
// streams, the diff_locked gate around get_difference, and ordered
// delivery of applied updates to observer callbacks. qts and seq are
// not gap-checked; they change only when a difference replaces the
// counters.
//
// There is no teacher analog for sequence reconciliation (katzenpost's
// PKI documents are fetched whole per epoch, not diffed incrementally)
// so this package is grounded on spec §4.5 directly; it reuses the
// teacher's mutex-guarded-map-plus-callback shape from client2/arq.go
// and logs with charmbracelet/log like the rest of the module.
package updates

import (
	"sync"

	"github.com/charmbracelet/log"

	"github.com/mtprotocore/client/core/metrics"
)

// Counters is the common update state: (pts, qts, seq, date).
type Counters struct {
	PTS  int64
	QTS  int64
	Seq  int32
	Date int32
}

// GapResult classifies an incoming short update against the current
// counters.
type GapResult int

const (
	// Applied means new_pts == old_pts + pts_count: advance and deliver.
	Applied GapResult = iota
	// Duplicate means new_pts <= old_pts: drop silently.
	Duplicate
	// Gap means new_pts > old_pts and new_pts != old_pts + pts_count:
	// drop and schedule a get_difference.
	Gap
)

// checkPTS classifies an update carrying (pts, ptsCount) against old.
func checkPTS(old, newPTS int64, ptsCount int64) GapResult {
	switch {
	case newPTS == old+ptsCount:
		return Applied
	case newPTS <= old:
		return Duplicate
	default:
		return Gap
	}
}

// DifferenceFetcher issues get_difference / get_channel_difference and
// returns the snapshot; it is the reconciler's only outbound
// collaborator, kept abstract so tests can substitute a stub.
type DifferenceFetcher interface {
	GetDifference(c Counters) (*Difference, error)
	GetChannelDifference(channelID int64, pts int64) (*ChannelDifference, error)
}

// Difference is a get_difference snapshot: new counters plus the
// updates/messages it carries, already decoded by the caller into
// opaque delivery callbacks (the reconciler does not interpret
// message/update payloads itself).
type Difference struct {
	New        Counters
	Deliver    []func()
	Intermediate bool
}

// ChannelDifference is the per-channel analog of Difference.
type ChannelDifference struct {
	NewPTS       int64
	Deliver      []func()
	Intermediate bool
}

// Reconciler owns the common counters and the per-channel pts table,
// enforcing the diff_locked gate described in spec §4.5.
type Reconciler struct {
	log     *log.Logger
	fetcher DifferenceFetcher

	mu         sync.Mutex
	counters   Counters
	channelPTS map[int64]int64

	diffLocked        bool
	channelDiffLocked map[int64]bool
}

// New builds a Reconciler seeded with the counters obtained from the
// initial login/updates.getState call.
func New(fetcher DifferenceFetcher, initial Counters, logger *log.Logger) *Reconciler {
	return &Reconciler{
		log:               logger.WithPrefix("updates"),
		fetcher:           fetcher,
		counters:          initial,
		channelPTS:        make(map[int64]int64),
		channelDiffLocked: make(map[int64]bool),
	}
}

// HandleShortUpdate processes one common-scope short update carrying
// (pts, ptsCount). deliver is invoked synchronously iff the update is
// applied in order; the reconciler itself guarantees this call happens
// under its lock so two updates can never be delivered out of order
// relative to one another.
func (r *Reconciler) HandleShortUpdate(pts int64, ptsCount int64, deliver func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := checkPTS(r.counters.PTS, pts, ptsCount)
	switch result {
	case Applied:
		r.counters.PTS = pts
		if deliver != nil {
			deliver()
		}
	case Duplicate:
		r.log.Debugf("dropping duplicate update, pts=%d have=%d", pts, r.counters.PTS)
	case Gap:
		metrics.UpdateGapsTotal.WithLabelValues("pts", "common").Inc()
		r.log.Warnf("pts gap detected: have=%d got=%d count=%d", r.counters.PTS, pts, ptsCount)
		r.scheduleDifferenceLocked()
	}
}

// HandleChannelShortUpdate is HandleShortUpdate's per-channel twin,
// keyed on channelID (spec §4.5: "structurally parallel but keyed on
// the channel's peer id").
func (r *Reconciler) HandleChannelShortUpdate(channelID int64, pts int64, ptsCount int64, deliver func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.channelPTS[channelID]
	result := checkPTS(old, pts, ptsCount)
	switch result {
	case Applied:
		r.channelPTS[channelID] = pts
		if deliver != nil {
			deliver()
		}
	case Duplicate:
		r.log.Debugf("dropping duplicate channel %d update, pts=%d have=%d", channelID, pts, old)
	case Gap:
		metrics.UpdateGapsTotal.WithLabelValues("pts", "channel").Inc()
		r.log.Warnf("channel %d pts gap: have=%d got=%d count=%d", channelID, old, pts, ptsCount)
		r.scheduleChannelDifferenceLocked(channelID)
	}
}

// scheduleDifferenceLocked runs get_difference under the diff_locked
// gate. Callers must hold r.mu. While locked, further calls into
// HandleShortUpdate still advance counters on in-order arrivals (the
// gate only prevents re-entrant get_difference calls, not inspection);
// a second Gap result while locked is simply dropped, since the
// in-flight difference will contain it.
func (r *Reconciler) scheduleDifferenceLocked() {
	if r.diffLocked {
		return
	}
	r.diffLocked = true
	metrics.DifferenceFetchesTotal.WithLabelValues("common").Inc()

	go func() {
		for {
			r.mu.Lock()
			current := r.counters
			r.mu.Unlock()

			diff, err := r.fetcher.GetDifference(current)
			if err != nil {
				r.log.Errorf("get_difference failed: %v", err)
				r.mu.Lock()
				r.diffLocked = false
				r.mu.Unlock()
				return
			}

			r.mu.Lock()
			r.counters = diff.New
			r.mu.Unlock()
			for _, deliver := range diff.Deliver {
				deliver()
			}

			if diff.Intermediate {
				metrics.DifferenceFetchesTotal.WithLabelValues("common").Inc()
				continue
			}
			break
		}
		r.mu.Lock()
		r.diffLocked = false
		r.mu.Unlock()
	}()
}

// scheduleChannelDifferenceLocked is scheduleDifferenceLocked's
// per-channel twin. Callers must hold r.mu.
func (r *Reconciler) scheduleChannelDifferenceLocked(channelID int64) {
	if r.channelDiffLocked[channelID] {
		return
	}
	r.channelDiffLocked[channelID] = true
	metrics.DifferenceFetchesTotal.WithLabelValues("channel").Inc()

	go func() {
		for {
			r.mu.Lock()
			pts := r.channelPTS[channelID]
			r.mu.Unlock()

			diff, err := r.fetcher.GetChannelDifference(channelID, pts)
			if err != nil {
				r.log.Errorf("get_channel_difference(%d) failed: %v", channelID, err)
				r.mu.Lock()
				r.channelDiffLocked[channelID] = false
				r.mu.Unlock()
				return
			}

			r.mu.Lock()
			r.channelPTS[channelID] = diff.NewPTS
			r.mu.Unlock()
			for _, deliver := range diff.Deliver {
				deliver()
			}

			if diff.Intermediate {
				metrics.DifferenceFetchesTotal.WithLabelValues("channel").Inc()
				continue
			}
			break
		}
		r.mu.Lock()
		r.channelDiffLocked[channelID] = false
		r.mu.Unlock()
	}()
}

// Counters returns a snapshot of the common counters.
func (r *Reconciler) Counters() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

// ChannelPTS returns the current pts for channelID (0 if unknown).
func (r *Reconciler) ChannelPTS(channelID int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channelPTS[channelID]
}
