// Package watcher runs the polling loop over saved marketplace searches and
// exposes its state over HTTP and MCP.
//
// One Watcher owns one session and drives every profile from a single
// goroutine. Persistence (profile seen-sets, the find log, the status line)
// happens on that goroutine too; readers get snapshots under a lock.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/hazyhaar/vintwatch/idgen"
	"github.com/hazyhaar/vintwatch/notify"
	"github.com/hazyhaar/vintwatch/observability"
	"github.com/hazyhaar/vintwatch/watcher/internal/finds"
	"github.com/hazyhaar/vintwatch/watcher/internal/item"
	"github.com/hazyhaar/vintwatch/watcher/internal/pgsink"
	"github.com/hazyhaar/vintwatch/watcher/internal/poll"
	"github.com/hazyhaar/vintwatch/watcher/internal/profiles"
	"github.com/hazyhaar/vintwatch/watcher/internal/retention"
	"github.com/hazyhaar/vintwatch/watcher/internal/session"
	"github.com/hazyhaar/vintwatch/watcher/internal/status"
)

// Client is a live marketplace session.
type Client interface {
	poll.Client
	Close()
}

// Acquirer opens a warmed-up session.
type Acquirer func(ctx context.Context) (Client, error)

// Find is one persisted discovery.
type Find = finds.Record

// Options carries the collaborators of a Watcher. Zero values take defaults.
type Options struct {
	// Notifier receives every find. Default: notify.FromConfig(cfg.Notify).
	Notifier notify.Notifier
	// Acquire opens sessions. Default: session.Acquire with the configured
	// base url, cookie and proxies.
	Acquire Acquirer
	// Sleep waits between profiles, cycles and retries. Default: poll.SleepCtx.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand drives the profile shuffle and pauses.
	Rand *rand.Rand
	// Store receives poll metrics, events and heartbeats. When nil and
	// cfg.ObservabilityDB is set, New opens it.
	Store *observability.Store
	// Once stops after the first cycle.
	Once bool
	// HeartbeatInterval defaults to 30s.
	HeartbeatInterval time.Duration
}

// PollState is the last poll of one profile.
type PollState struct {
	At       time.Time `json:"at"`
	Outcome  string    `json:"outcome"`
	Attempts int       `json:"attempts"`
	Fetched  int       `json:"fetched"`
	Filtered int       `json:"filtered"`
	Finds    int       `json:"finds"`
	Error    string    `json:"error,omitempty"`
}

// ProfileView is a read-only profile summary.
type ProfileView struct {
	Name     string     `json:"name"`
	URL      string     `json:"vinted_url"`
	Enabled  bool       `json:"enabled"`
	Active   bool       `json:"active"`
	Seen     int        `json:"seen_ids"`
	LastPoll *PollState `json:"last_poll,omitempty"`
}

// StatusView is the process summary served by /status.
type StatusView struct {
	Message   string                         `json:"message"`
	UpdatedAt time.Time                      `json:"updated_at"`
	StartedAt time.Time                      `json:"started_at"`
	Cycle     int                            `json:"cycle"`
	Profiles  int                            `json:"profiles"`
	Active    int                            `json:"active"`
	Finds     int                            `json:"finds_this_run"`
	Heartbeat *observability.HeartbeatStatus `json:"heartbeat,omitempty"`
}

// Watcher is the polling orchestrator.
type Watcher struct {
	cfg      Config
	opts     Options
	engine   *poll.Engine
	status   *status.File
	finds    *finds.Log
	metrics  *Metrics
	store    *observability.Store
	ownStore bool
	pg       *pgsink.Sink
	notifier notify.Notifier
	now      func() time.Time
	logger   *slog.Logger

	client Client

	mu       sync.RWMutex
	profiles []*profiles.Profile
	last     map[string]PollState
	cycle    int
	found    int
	started  time.Time
}

// New builds a Watcher from cfg.
func New(cfg Config, opts Options, logger *slog.Logger) (*Watcher, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Sleep == nil {
		opts.Sleep = poll.SleepCtx
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64()))
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.FromConfig(cfg.Notify, nil, logger)
	}
	if opts.Acquire == nil {
		opts.Acquire = sessionAcquirer(cfg, logger)
	}

	w := &Watcher{
		cfg:      cfg,
		opts:     opts,
		engine:   poll.New(poll.Config{Sleep: opts.Sleep}, logger),
		status:   status.New(cfg.StatusFile, logger),
		finds:    finds.Open(cfg.FindsFile, logger),
		metrics:  NewMetrics(),
		store:    opts.Store,
		notifier: opts.Notifier,
		now:      time.Now,
		logger:   logger,
		last:     make(map[string]PollState),
	}
	if w.store == nil && cfg.ObservabilityDB != "" {
		store, err := observability.Open(cfg.ObservabilityDB, logger)
		if err != nil {
			return nil, fmt.Errorf("watcher: %w", err)
		}
		w.store, w.ownStore = store, true
	}
	return w, nil
}

func sessionAcquirer(cfg Config, logger *slog.Logger) Acquirer {
	return func(ctx context.Context) (Client, error) {
		s, err := session.Acquire(ctx, session.Options{
			BaseURL:      cfg.BaseURL,
			ManualCookie: cfg.ManualCookie,
			Proxies:      cfg.ProxiesConfig,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Metrics returns the Prometheus collectors.
func (w *Watcher) Metrics() *Metrics { return w.metrics }

// Close releases the observability store when New opened it.
func (w *Watcher) Close() error {
	if w.ownStore {
		return w.store.Close()
	}
	return nil
}

// Run loads profiles, opens a session and polls until ctx is done. It
// returns nil on a clean stop or when there is nothing to poll, and an error
// when no session can be established.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	w.started = w.now()
	w.mu.Unlock()

	w.setStatus("Scraper se spouští, inicializace...")
	w.event(ctx, observability.Event{Kind: observability.EventStart, Success: true})
	w.setStatus("Načítání profilů a session...")

	ps, err := profiles.Load(w.cfg.ProfilesFile, w.logger)
	if err != nil {
		w.logger.Error("watcher: load profiles", "error", err)
	}
	if len(ps) == 0 {
		msg := fmt.Sprintf("Nebyly načteny žádné profily z '%s'. Ukončuji.", w.cfg.ProfilesFile)
		w.logger.Error("watcher: no profiles, exiting", "path", w.cfg.ProfilesFile)
		w.setStatus(msg)
		return nil
	}
	w.mu.Lock()
	w.profiles = ps
	w.mu.Unlock()
	for i, p := range ps {
		w.logger.Info("watcher: profile loaded", "index", i+1, "profile", p.Name,
			"url", p.URL, "enabled", p.Enabled, "filter", p.Filters.Kind, "seen", len(p.Seen))
	}

	client, err := w.opts.Acquire(ctx)
	if err != nil {
		msg := "Kritická chyba: Nepodařilo se vytvořit Vinted session. Ukončuji."
		w.logger.Error("watcher: acquire session", "error", err)
		w.setStatus(msg)
		w.event(ctx, observability.Event{Kind: observability.EventFatal, Detail: err.Error()})
		return fmt.Errorf("watcher: acquire session: %w", err)
	}
	w.client = client

	w.openMirror(ctx)
	bgCtx, stopBG := context.WithCancel(context.WithoutCancel(ctx))
	var bg sync.WaitGroup
	w.startBackground(bgCtx, &bg)

	err = w.loop(ctx)

	stopBG()
	bg.Wait()
	w.shutdown(ctx, err)
	return err
}

func (w *Watcher) loop(ctx context.Context) error {
	for run := 1; ; run++ {
		idle, err := w.runCycle(ctx, run)
		if err != nil {
			return err
		}
		if ctx.Err() != nil || w.opts.Once {
			return nil
		}
		if !idle {
			w.setStatus(fmt.Sprintf("Čekám %ss do dalšího cyklu (č. %d)...", formatSeconds(w.cfg.MainLoopSleepSeconds), run+1))
		}
		if err := w.opts.Sleep(ctx, w.cfg.mainSleep()); err != nil {
			return nil
		}
	}
}

// runCycle polls every active profile once. It reports idle when no profile
// was active, and an error only when the session could not be renewed.
func (w *Watcher) runCycle(ctx context.Context, run int) (idle bool, err error) {
	w.mu.Lock()
	w.cycle = run
	w.mu.Unlock()

	cycleID := idgen.New()
	start := w.now()
	w.setStatus(fmt.Sprintf("Začíná HLAVNÍ CYKLUS č. %d", run))
	w.logger.Info("watcher: cycle start", "cycle", run, "cycle_id", cycleID)
	w.event(ctx, observability.Event{Kind: observability.EventCycleStart, Cycle: run, Success: true})

	if run > 1 && run%w.cfg.CyclesBeforeSessionRefresh == 0 {
		if err := w.refreshSession(ctx, run); err != nil {
			return false, err
		}
		if ctx.Err() != nil {
			return false, nil
		}
	}

	var active []*profiles.Profile
	for _, p := range w.profiles {
		if p.Active() {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		msg := "Žádné aktivní profily k dispozici. Čekám..."
		w.logger.Warn("watcher: no active profiles")
		w.setStatus(msg)
		return true, nil
	}
	w.opts.Rand.Shuffle(len(active), func(i, j int) { active[i], active[j] = active[j], active[i] })

	total := 0
	for i, p := range active {
		if ctx.Err() != nil {
			return false, nil
		}
		w.setStatus(fmt.Sprintf("Zpracovávám profil (%d/%d): '%s'", i+1, len(active), p.Name))
		total += w.processProfile(ctx, cycleID, run, p)

		if i < len(active)-1 {
			d := w.cfg.profileSleep(w.opts.Rand)
			w.setStatus(fmt.Sprintf("Pauza %.1fs před dalším profilem...", d.Seconds()))
			if err := w.opts.Sleep(ctx, d); err != nil {
				return false, nil
			}
		}
	}

	elapsed := w.now().Sub(start)
	w.metrics.cycleDuration.Observe(elapsed.Seconds())
	w.logger.Info("watcher: cycle done", "cycle", run, "finds", total, "duration", elapsed.Round(time.Millisecond).String())
	w.event(ctx, observability.Event{Kind: observability.EventCycleEnd, Cycle: run, Detail: fmt.Sprintf("%d finds", total), Success: true})

	if run%w.cfg.CyclesBeforeProfilesSave == 0 || total > 0 {
		w.setStatus(fmt.Sprintf("Ukládání stavu profilů po cyklu č. %d...", run))
		w.saveProfiles(ctx, run)
	}
	return false, nil
}

func (w *Watcher) refreshSession(ctx context.Context, run int) error {
	w.setStatus(fmt.Sprintf("Obnova session (po %d cyklech)...", run-1))
	w.logger.Info("watcher: refreshing session", "after_cycles", run-1)
	if w.client != nil {
		w.client.Close()
		w.client = nil
	}
	c, err := w.opts.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		w.logger.Error("watcher: refresh session", "error", err)
		w.setStatus("Kritická chyba: Nepodařilo se OBNOVIT Vinted session. Ukončuji.")
		w.event(ctx, observability.Event{Kind: observability.EventSessionRefresh, Cycle: run, Detail: err.Error()})
		return fmt.Errorf("watcher: refresh session: %w", err)
	}
	w.client = c
	w.event(ctx, observability.Event{Kind: observability.EventSessionRefresh, Cycle: run, Success: true})
	return nil
}

// processProfile polls p and persists its finds. Failures stay inside.
func (w *Watcher) processProfile(ctx context.Context, cycleID string, run int, p *profiles.Profile) (found int) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watcher: profile panicked", "profile", p.Name, "panic", r)
			found = 0
		}
	}()

	start := w.now()
	res, err := w.engine.Poll(ctx, w.client, p)
	elapsed := w.now().Sub(start)

	w.metrics.polls.WithLabelValues(p.Name, string(res.Outcome)).Inc()
	for _, class := range res.Retries {
		w.metrics.retries.WithLabelValues(string(class)).Inc()
	}
	state := PollState{
		At:       start,
		Outcome:  string(res.Outcome),
		Attempts: res.Attempts,
		Fetched:  res.Fetched,
		Filtered: res.Filtered,
		Finds:    len(res.Items),
	}
	if err != nil {
		state.Error = err.Error()
		if !errors.Is(err, context.Canceled) {
			w.logger.Warn("watcher: poll failed", "profile", p.Name, "outcome", res.Outcome, "error", err)
		}
	}

	if len(res.Items) > 0 {
		w.mu.Lock()
		p.Commit(res.NewIDs)
		w.found += len(res.Items)
		w.mu.Unlock()
		w.persist(ctx, p, res.Items)
		w.metrics.finds.WithLabelValues(p.Name).Add(float64(len(res.Items)))
	}

	w.mu.Lock()
	w.last[p.Name] = state
	w.mu.Unlock()

	if w.store != nil {
		w.store.Metrics.Record(observability.PollMetric{
			CycleID:   cycleID,
			Cycle:     run,
			Profile:   p.Name,
			Outcome:   string(res.Outcome),
			Attempts:  res.Attempts,
			Items:     res.Fetched,
			Filtered:  res.Filtered,
			Finds:     len(res.Items),
			Duration:  elapsed,
			Timestamp: start,
		})
	}
	return len(res.Items)
}

// persist appends the finds to the log, mirrors them and notifies.
func (w *Watcher) persist(ctx context.Context, p *profiles.Profile, items []item.Item) {
	now := w.now()
	recs := make([]finds.Record, 0, len(items))
	for _, it := range items {
		recs = append(recs, finds.NewRecord(it, p.Name, now))
	}
	if err := w.finds.Append(recs); err != nil {
		w.logger.Error("watcher: append finds", "profile", p.Name, "path", w.cfg.FindsFile, "error", err)
	} else {
		w.logger.Info("watcher: finds saved", "profile", p.Name, "count", len(recs), "path", w.cfg.FindsFile)
	}

	if w.pg != nil {
		if n, err := w.pg.Insert(ctx, recs); err != nil {
			w.logger.Warn("watcher: postgres mirror", "profile", p.Name, "error", err)
		} else {
			w.logger.Debug("watcher: postgres mirror", "profile", p.Name, "inserted", n)
		}
	}

	for _, r := range recs {
		if err := w.notifier.Notify(ctx, message(r, now)); err != nil {
			failed := notify.Failures(err)
			if len(failed) == 0 {
				w.metrics.notifyFailed.WithLabelValues("unknown").Inc()
			}
			for _, f := range failed {
				w.metrics.notifyFailed.WithLabelValues(f.Sink).Inc()
			}
			w.logger.Warn("watcher: notify", "profile", p.Name, "item_id", r.ID, "error", err)
		}
	}
}

func message(r finds.Record, at time.Time) notify.Message {
	msg := notify.Message{
		Profile: r.Profile,
		ItemID:  r.ID,
		Title:   r.Title,
		Price:   item.FormatPrice(r.Item),
		Details: item.Details(r.Item),
		URL:     r.URL,
		Text:    item.Format(r.Item),
		FoundAt: at,
	}
	if r.PhotoURL != nil {
		msg.PhotoURL = *r.PhotoURL
	}
	return msg
}

func (w *Watcher) saveProfiles(ctx context.Context, run int) {
	w.mu.RLock()
	ok, err := profiles.Save(w.cfg.ProfilesFile, w.profiles, w.logger)
	w.mu.RUnlock()
	if err != nil {
		w.logger.Error("watcher: save profiles", "cycle", run, "error", err)
	}
	e := observability.Event{Kind: observability.EventProfilesSaved, Cycle: run, Success: ok}
	if err != nil {
		e.Detail = err.Error()
	}
	w.event(ctx, e)
}

// shutdown persists the final state. It runs after ctx may be done.
func (w *Watcher) shutdown(ctx context.Context, cause error) {
	if ctx.Err() != nil {
		w.setStatus("Přijat signál k ukončení. Ukončuji...")
	}
	ctx = context.WithoutCancel(ctx)
	w.setStatus("Scraper se ukončuje...")

	w.mu.RLock()
	run := w.cycle
	w.mu.RUnlock()
	w.saveProfiles(ctx, run)

	if w.client != nil {
		w.client.Close()
		w.client = nil
		w.logger.Info("watcher: session closed")
	}
	if w.pg != nil {
		w.pg.Close()
		w.pg = nil
	}
	if w.store != nil {
		w.store.Metrics.Flush()
	}
	e := observability.Event{Kind: observability.EventStop, Cycle: run, Success: cause == nil}
	if cause != nil {
		e.Kind = observability.EventFatal
		e.Detail = cause.Error()
	}
	w.event(ctx, e)
	w.setStatus("Scraper ZASTAVEN.")
}

// openMirror connects the optional Postgres mirror. Failure disables it.
func (w *Watcher) openMirror(ctx context.Context) {
	if w.cfg.PostgresDSN == "" {
		return
	}
	sink, err := pgsink.Open(ctx, pgsink.Config{
		DSN:        w.cfg.PostgresDSN,
		Schema:     w.cfg.PostgresSchema,
		ViaBouncer: w.cfg.PGViaBouncer,
	}, w.logger)
	if err == nil {
		err = sink.EnsureSchema(ctx)
		if err != nil {
			sink.Close()
		}
	}
	if err != nil {
		w.logger.Warn("watcher: postgres mirror disabled", "error", err)
		return
	}
	w.pg = sink
}

func (w *Watcher) startBackground(ctx context.Context, wg *sync.WaitGroup) {
	sweeper := retention.NewSweeper(retention.Config{
		Path:     w.cfg.FindsFile,
		MaxAge:   w.cfg.RetentionDays,
		Interval: w.cfg.SweepInterval(),
		Lock:     w.finds.Locker(),
		OnSweep: func(kept, removed int, err error) {
			e := observability.Event{
				Kind:    observability.EventRetention,
				Detail:  fmt.Sprintf("kept %d, removed %d", kept, removed),
				Success: err == nil,
			}
			if err != nil {
				e.Detail = err.Error()
			}
			w.event(ctx, e)
			if w.store != nil {
				if n, err := w.store.Cleanup(ctx, w.cfg.RetentionDays); err != nil {
					w.logger.Warn("watcher: observability cleanup", "error", err)
				} else if n > 0 {
					w.logger.Info("watcher: observability cleanup", "deleted", n)
				}
			}
		},
	}, w.logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	if w.store != nil {
		hb := w.store.Heartbeat(w.opts.HeartbeatInterval, w.Cycle)
		wg.Add(1)
		go func() {
			defer wg.Done()
			hb.Run(ctx)
		}()
	}
}

func (w *Watcher) setStatus(msg string) {
	w.logger.Info("watcher: status", "message", msg)
	w.status.Set(msg)
}

func (w *Watcher) event(ctx context.Context, e observability.Event) {
	if w.store == nil {
		return
	}
	w.store.Events.Log(ctx, e)
}

// Cycle returns the current cycle number, 0 before the first one.
func (w *Watcher) Cycle() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cycle
}

// Status returns the process summary.
func (w *Watcher) Status(ctx context.Context) StatusView {
	msg, at := w.status.Get()
	w.mu.RLock()
	v := StatusView{
		Message:   msg,
		UpdatedAt: at,
		StartedAt: w.started,
		Cycle:     w.cycle,
		Profiles:  len(w.profiles),
		Finds:     w.found,
	}
	for _, p := range w.profiles {
		if p.Active() {
			v.Active++
		}
	}
	w.mu.RUnlock()

	if w.store != nil {
		hb, err := observability.LatestHeartbeat(ctx, w.store.DB, observability.WorkerName, 3*w.opts.HeartbeatInterval)
		if err != nil {
			w.logger.Warn("watcher: read heartbeat", "error", err)
		}
		v.Heartbeat = hb
	}
	return v
}

// Profiles returns a summary of every loaded profile.
func (w *Watcher) Profiles() []ProfileView {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]ProfileView, 0, len(w.profiles))
	for _, p := range w.profiles {
		v := ProfileView{
			Name:    p.Name,
			URL:     p.URL,
			Enabled: p.Enabled,
			Active:  p.Active(),
			Seen:    len(p.Seen),
		}
		if st, ok := w.last[p.Name]; ok {
			v.LastPoll = &st
		}
		out = append(out, v)
	}
	return out
}

// RecentFinds returns up to n finds, newest first, optionally for one profile.
func (w *Watcher) RecentFinds(n int, profile string) ([]Find, error) {
	return w.finds.Recent(n, profile)
}

// Health reports whether Run has started.
func (w *Watcher) Health() (int, string) {
	w.mu.RLock()
	started := !w.started.IsZero()
	w.mu.RUnlock()
	if !started {
		return http.StatusServiceUnavailable, "starting"
	}
	return http.StatusOK, "ok"
}

func formatSeconds(s float64) string {
	if s == float64(int64(s)) {
		return fmt.Sprintf("%d", int64(s))
	}
	return fmt.Sprintf("%.1f", s)
}
