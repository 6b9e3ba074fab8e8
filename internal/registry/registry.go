package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// NewSubjectGrace backdates the last-notified time of a newly added subject,
// so its first notification comes a little before a full throttle window.
const NewSubjectGrace = 2 * time.Minute

var (
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrNotSubscribed     = errors.New("not subscribed")
	ErrEmptySubject      = errors.New("empty subject")
)

// Prefs are per-subscriber notification preferences for one subject.
type Prefs struct {
	OnFailure  bool `json:"on_failure"`
	OnRecovery bool `json:"on_recovery"`
}

// DefaultPrefs notifies on failure only.
func DefaultPrefs() Prefs { return Prefs{OnFailure: true} }

// Subscription is one subscriber of a subject.
type Subscription struct {
	Subscriber int64 `json:"subscriber"`
	Prefs
}

// Watched is a copy of one subject's state.
type Watched struct {
	Subject       string         `json:"subject"`
	Subscriptions []Subscription `json:"subscriptions"`
	LastNotified  time.Time      `json:"last_notified"`
	Degraded      bool           `json:"degraded"`
}

// Row is the durable unit: one (subject, subscriber) pair with preferences.
type Row struct {
	Subject    string `json:"address"`
	Subscriber int64  `json:"user"`
	Prefs
}

// Stats summarises registry size.
type Stats struct {
	Subjects    int `json:"subjects"`
	Subscribers int `json:"subscribers"`
	Pairs       int `json:"pairs"`
}

type entry struct {
	prefs Prefs
	seq   uint64 // global subscription order
}

type watched struct {
	subs         map[int64]entry
	lastNotified time.Time
	degraded     bool
}

// Registry maps watched subjects to subscribers. The reverse index keeps
// each subscriber's subjects in subscription order. All methods are safe
// for concurrent use; the in-memory state is authoritative between flushes.
type Registry struct {
	mu      sync.Mutex
	forward map[string]*watched
	reverse map[int64][]string
	order   []string // subjects in first-subscription order
	seq     uint64
	now     func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		forward: make(map[string]*watched),
		reverse: make(map[int64][]string),
		now:     time.Now,
	}
}

// FromRows builds a registry from durable rows. Row order defines
// subscription order. Duplicate pairs keep the first occurrence.
func FromRows(rows []Row) (*Registry, error) {
	r := New()
	for i, row := range rows {
		if err := r.Subscribe(row.Subject, row.Subscriber, row.Prefs); err != nil && !errors.Is(err, ErrAlreadySubscribed) {
			return nil, &RowError{Line: i + 1, Err: err}
		}
	}
	return r, nil
}

// SetClock replaces the time source, for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Subscribe adds subscriber to subject. It returns ErrAlreadySubscribed and
// changes nothing if the pair exists.
func (r *Registry) Subscribe(subject string, subscriber int64, prefs Prefs) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return ErrEmptySubject
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	grace := r.now().Add(-NewSubjectGrace)
	w, ok := r.forward[subject]
	if !ok {
		w = &watched{
			subs:         make(map[int64]entry),
			lastNotified: grace,
		}
		r.forward[subject] = w
		r.order = append(r.order, subject)
	}
	if _, ok := w.subs[subscriber]; ok {
		return ErrAlreadySubscribed
	}
	if len(w.subs) == 0 && w.lastNotified.Before(grace) {
		w.lastNotified = grace
	}
	r.seq++
	w.subs[subscriber] = entry{prefs: prefs, seq: r.seq}
	r.reverse[subscriber] = append(r.reverse[subscriber], subject)
	return nil
}

// Unsubscribe removes the pair from both indices. It returns
// ErrNotSubscribed if the pair does not exist. A subject left without
// subscribers keeps its notification state until its throttle window has
// passed, so watching it again cannot shorten the window.
func (r *Registry) Unsubscribe(subject string, subscriber int64) error {
	subject = strings.TrimSpace(subject)
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.forward[subject]
	if !ok {
		return ErrNotSubscribed
	}
	if _, ok := w.subs[subscriber]; !ok {
		return ErrNotSubscribed
	}
	delete(w.subs, subscriber)
	list := r.reverse[subscriber]
	for i, s := range list {
		if s == subject {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.reverse, subscriber)
	} else {
		r.reverse[subscriber] = list
	}
	return nil
}

func (r *Registry) dropLocked(subject string) {
	delete(r.forward, subject)
	for i, s := range r.order {
		if s == subject {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
}

// SubjectsFor returns the subscriber's subjects in subscription order.
func (r *Registry) SubjectsFor(subscriber int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reverse[subscriber]...)
}

// Page returns one page (0-based) of the subscriber's subjects and the
// number of pages.
func (r *Registry) Page(subscriber int64, page, size int) ([]string, int) {
	all := r.SubjectsFor(subscriber)
	if size <= 0 {
		size = len(all)
		if size == 0 {
			size = 1
		}
	}
	pages := (len(all) + size - 1) / size
	if page < 0 || page >= pages {
		return nil, pages
	}
	end := (page + 1) * size
	if end > len(all) {
		end = len(all)
	}
	return all[page*size : end], pages
}

// Subscribers returns the current subscribers of subject ordered by id.
func (r *Registry) Subscribers(subject string) []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.forward[subject]
	if !ok || len(w.subs) == 0 {
		return nil
	}
	return subscriptionsLocked(w)
}

func subscriptionsLocked(w *watched) []Subscription {
	out := make([]Subscription, 0, len(w.subs))
	for id, e := range w.subs {
		out = append(out, Subscription{Subscriber: id, Prefs: e.prefs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subscriber < out[j].Subscriber })
	return out
}

// Get returns a copy of one subject's state. Subjects without subscribers
// are reported as absent.
func (r *Registry) Get(subject string) (Watched, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.forward[subject]
	if !ok || len(w.subs) == 0 {
		return Watched{}, false
	}
	return Watched{
		Subject:       subject,
		Subscriptions: subscriptionsLocked(w),
		LastNotified:  w.lastNotified,
		Degraded:      w.degraded,
	}, true
}

// Eligible returns, in first-subscription order, the subjects with at least
// one subscriber whose last notification is at least window old. Subjects
// without subscribers whose window has passed are forgotten.
func (r *Registry) Eligible(now time.Time, window time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.order))
	var stale []string
	for _, s := range r.order {
		w := r.forward[s]
		if w == nil {
			continue
		}
		due := now.Sub(w.lastNotified) >= window
		if len(w.subs) == 0 {
			if due {
				stale = append(stale, s)
			}
			continue
		}
		if due {
			out = append(out, s)
		}
	}
	for _, s := range stale {
		r.dropLocked(s)
	}
	return out
}

// LastNotified returns the subject's last notification time. It is kept
// for a subject whose last subscriber left until Eligible forgets it.
func (r *Registry) LastNotified(subject string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.forward[subject]
	if !ok {
		return time.Time{}, false
	}
	return w.lastNotified, true
}

// MarkNotified records a notification for subject and whether it reported a
// degraded status. Unknown subjects are ignored.
func (r *Registry) MarkNotified(subject string, at time.Time, degraded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.forward[subject]; ok {
		w.lastNotified = at
		w.degraded = degraded
	}
}

// Rows returns every (subject, subscriber) pair in subscription order.
// Subjects without subscribers are not included.
func (r *Registry) Rows() []Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	type seqRow struct {
		Row
		seq uint64
	}
	all := make([]seqRow, 0)
	for subject, w := range r.forward {
		for id, e := range w.subs {
			all = append(all, seqRow{Row: Row{Subject: subject, Subscriber: id, Prefs: e.prefs}, seq: e.seq})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	out := make([]Row, len(all))
	for i := range all {
		out[i] = all[i].Row
	}
	return out
}

// Stats returns registry counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{Subscribers: len(r.reverse)}
	for _, w := range r.forward {
		if len(w.subs) > 0 {
			st.Subjects++
			st.Pairs += len(w.subs)
		}
	}
	return st
}
