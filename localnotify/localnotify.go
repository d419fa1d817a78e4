// Package localnotify is a notification facility that keeps its triggers in
// the local badger database and fires them from a poller loop.
//
// Registrations survive process restarts.  Each repeating trigger fires at
// most once per daily occurrence; occurrences missed while the process was down
// are fired once on the next pass if they are no older than the configured
// lateness bound.
package localnotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"pillminder/dbtypes"
	"pillminder/kvstore"
	"pillminder/notify"
	"pillminder/recur"
	"pillminder/sink"

	"github.com/dgraph-io/badger"
	"github.com/google/uuid"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"golang.org/x/time/rate"
)

const (
	triggerPrefix = "trigger:"
	permissionKey = "permission"
	handlePrefix  = "ntf-"
)

// Registration is one stored trigger.
type Registration struct {
	Handle       string               `json:"handle"`
	Notification dbtypes.Notification `json:"notification"`
	RegisteredAt time.Time            `json:"registeredAt"`
	LastFiredAt  time.Time            `json:"lastFiredAt"`
}

func (r *Registration) timeOfDay() dbtypes.TimeOfDay {
	return dbtypes.TimeOfDay{Hour: r.Notification.Trigger.Hour, Minute: r.Notification.Trigger.Minute}
}

type permissionRecord struct {
	Permission notify.Permission `json:"permission"`
	DecidedAt  time.Time         `json:"decidedAt"`
}

var (
	mRegistered = stats.Int64("triggers_registered", "Notification triggers registered", stats.UnitDimensionless)
	mFired      = stats.Int64("notifications_fired", "Notifications delivered", stats.UnitDimensionless)
	mFailed     = stats.Int64("notifications_failed", "Notifications whose delivery failed", stats.UnitDimensionless)
	mSkipped    = stats.Int64("notifications_skipped", "Occurrences skipped for being too late", stats.UnitDimensionless)

	keyMedicine = tag.MustNewKey("medicine")

	Views = []*view.View{
		{Name: "triggers_registered", Description: "Counter of registered triggers", Measure: mRegistered, Aggregation: view.Count()},
		{Name: "notifications_fired", Description: "Counter of delivered notifications", Measure: mFired, TagKeys: []tag.Key{keyMedicine}, Aggregation: view.Count()},
		{Name: "notifications_failed", Description: "Counter of failed deliveries", Measure: mFailed, TagKeys: []tag.Key{keyMedicine}, Aggregation: view.Count()},
		{Name: "notifications_skipped", Description: "Counter of occurrences skipped as stale", Measure: mSkipped, Aggregation: view.Count()},
	}
)

// RegisterViews registers the facility's opencensus views.
func RegisterViews() error {
	return view.Register(Views...)
}

type Facility struct {
	db              *badger.DB
	deliveryEnabled bool
	sink            sink.Sink
	tick            time.Duration
	maxLateness     time.Duration
	limiter         *rate.Limiter
	now             func() time.Time
}

type Opt func(*Facility)

// WithDelivery enables delivery through s.  A facility without delivery denies
// notification permission.
func WithDelivery(s sink.Sink) Opt {
	return func(f *Facility) {
		f.deliveryEnabled = true
		f.sink = s
	}
}

func WithTick(tick time.Duration) Opt {
	return func(f *Facility) {
		f.tick = tick
	}
}

// WithMaxLateness bounds how stale an occurrence may be and still be
// delivered.
func WithMaxLateness(d time.Duration) Opt {
	return func(f *Facility) {
		f.maxLateness = d
	}
}

// WithRateLimit caps deliveries per second across all triggers.
func WithRateLimit(perSecond float64, burst int) Opt {
	return func(f *Facility) {
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithClock(now func() time.Time) Opt {
	return func(f *Facility) {
		f.now = now
	}
}

func New(db *badger.DB, opts ...Opt) *Facility {
	f := &Facility{
		db:          db,
		sink:        sink.Log{},
		tick:        30 * time.Second,
		maxLateness: time.Hour,
		limiter:     rate.NewLimiter(rate.Limit(5), 5),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var _ notify.Facility = (*Facility)(nil)

func (f *Facility) PermissionStatus(ctx context.Context) (notify.Permission, error) {
	rec := &permissionRecord{}
	var found bool
	err := f.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = kvstore.GetJSON(txn, []byte(permissionKey), rec)
		return err
	})
	if err != nil {
		return notify.PermissionUndetermined, fmt.Errorf("while reading permission: %w", err)
	}
	if !found {
		return notify.PermissionUndetermined, nil
	}
	return rec.Permission, nil
}

// RequestPermission grants permission iff the facility has delivery enabled,
// and persists the decision.
func (f *Facility) RequestPermission(ctx context.Context) (notify.Permission, error) {
	rec := &permissionRecord{
		Permission: notify.PermissionDenied,
		DecidedAt:  f.now(),
	}
	if f.deliveryEnabled {
		rec.Permission = notify.PermissionGranted
	}

	err := kvstore.Update(f.db, func(txn *badger.Txn) error {
		return kvstore.SetJSON(txn, []byte(permissionKey), rec)
	})
	if err != nil {
		return notify.PermissionUndetermined, fmt.Errorf("while persisting permission: %w", err)
	}

	slog.InfoContext(ctx, "Notification permission decided", slog.String("permission", rec.Permission.String()))
	return rec.Permission, nil
}

func (f *Facility) Register(ctx context.Context, n *dbtypes.Notification) (string, error) {
	t := dbtypes.TimeOfDay{Hour: n.Trigger.Hour, Minute: n.Trigger.Minute}
	if !t.Valid() {
		return "", fmt.Errorf("trigger %d:%d is not a valid wall-clock time", n.Trigger.Hour, n.Trigger.Minute)
	}

	reg := &Registration{
		Handle:       handlePrefix + uuid.NewString(),
		Notification: *n,
		RegisteredAt: f.now(),
	}

	err := kvstore.Update(f.db, func(txn *badger.Txn) error {
		return kvstore.SetJSON(txn, triggerKey(reg.Handle), reg)
	})
	if err != nil {
		return "", fmt.Errorf("while storing trigger: %w", err)
	}

	stats.Record(ctx, mRegistered.M(1))
	slog.InfoContext(ctx, "Registered notification trigger",
		slog.String("handle", reg.Handle),
		slog.String("time", t.String()),
		slog.String("rrule", recur.RuleString(t)),
	)
	return reg.Handle, nil
}

func (f *Facility) Cancel(ctx context.Context, handle string) error {
	err := kvstore.Update(f.db, func(txn *badger.Txn) error {
		return txn.Delete(triggerKey(handle))
	})
	if err != nil {
		return fmt.Errorf("while deleting trigger %s: %w", handle, err)
	}
	return nil
}

// List returns every stored registration, ordered by handle.
func (f *Facility) List(ctx context.Context) ([]*Registration, error) {
	var regs []*Registration
	err := f.db.View(func(txn *badger.Txn) error {
		return kvstore.ScanPrefix(txn, []byte(triggerPrefix), func(key, value []byte) error {
			reg := &Registration{}
			if err := json.Unmarshal(value, reg); err != nil {
				return fmt.Errorf("while decoding %s: %w", key, err)
			}
			regs = append(regs, reg)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("while listing triggers: %w", err)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Handle < regs[j].Handle })
	return regs, nil
}

// Run fires due triggers every tick until ctx is cancelled.
func (f *Facility) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.tick)
	defer ticker.Stop()

	if err := f.Poll(ctx); err != nil {
		slog.ErrorContext(ctx, "Error during notification pass", slog.Any("err", err))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := f.Poll(ctx); err != nil {
			slog.ErrorContext(ctx, "Error during notification pass", slog.Any("err", err))
		}
	}
}

// Poll runs a single pass, delivering every trigger that came due since it
// last fired.  A trigger that cannot be fired does not hold up the rest; the
// failures are returned together.
func (f *Facility) Poll(ctx context.Context) error {
	if !f.deliveryEnabled {
		return nil
	}

	regs, err := f.List(ctx)
	if err != nil {
		return err
	}

	now := f.now()
	var errs []error
	for _, reg := range regs {
		since := reg.LastFiredAt
		if since.IsZero() {
			since = reg.RegisteredAt
		}
		t := reg.timeOfDay()
		if !recur.Occurred(t, since, now) {
			continue
		}

		occurrence, err := recur.Latest(t, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("while locating occurrence of %s: %w", reg.Handle, err))
			continue
		}

		if err := f.fire(ctx, reg, occurrence, now); err != nil {
			slog.ErrorContext(ctx, "Could not fire notification", slog.String("handle", reg.Handle), slog.Any("err", err))
			errs = append(errs, fmt.Errorf("while firing %s: %w", reg.Handle, err))
		}
	}
	return errors.Join(errs...)
}

func (f *Facility) fire(ctx context.Context, reg *Registration, occurrence, now time.Time) error {
	medicine := reg.Notification.Data["medicine"]
	tagged, err := tag.New(ctx, tag.Upsert(keyMedicine, medicine))
	if err != nil {
		tagged = ctx
	}

	if f.maxLateness > 0 && now.Sub(occurrence) > f.maxLateness {
		slog.WarnContext(ctx, "Skipping stale notification", slog.String("handle", reg.Handle), slog.Time("occurrence", occurrence))
		stats.Record(tagged, mSkipped.M(1))
	} else {
		if err := f.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("while waiting for delivery budget: %w", err)
		}
		if err := f.sink.Deliver(ctx, &reg.Notification); err != nil {
			// Failed occurrences are still marked fired.
			slog.ErrorContext(ctx, "Notification delivery failed", slog.String("handle", reg.Handle), slog.Any("err", err))
			stats.Record(tagged, mFailed.M(1))
		} else {
			stats.Record(tagged, mFired.M(1))
		}
	}

	return kvstore.Update(f.db, func(txn *badger.Txn) error {
		cur := &Registration{}
		found, err := kvstore.GetJSON(txn, triggerKey(reg.Handle), cur)
		if err != nil {
			return err
		}
		if !found {
			// Cancelled while we were delivering.
			return nil
		}
		if !cur.Notification.Trigger.Repeats {
			return txn.Delete(triggerKey(reg.Handle))
		}
		cur.LastFiredAt = occurrence
		return kvstore.SetJSON(txn, triggerKey(reg.Handle), cur)
	})
}

func triggerKey(handle string) []byte {
	return []byte(triggerPrefix + handle)
}
