// Package querybroker runs lookup jobs against the remote bot: one
// worker drains the queue in order, drives the send/click/read
// conversation through the session supervisor and settles each job in
// the registry. Single-flight per phone is enforced at Submit via the
// registry's phone index.
package querybroker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/northarch/geotrace/internal/broker/messages"
	"github.com/northarch/geotrace/internal/jobs"
	"github.com/northarch/geotrace/internal/models"
	"github.com/northarch/geotrace/internal/replyparse"
	"github.com/northarch/geotrace/internal/session"
	"github.com/northarch/geotrace/internal/telegram"
)

// SessionDriver is what the broker needs from the session supervisor.
type SessionDriver interface {
	SendText(ctx context.Context, text string) error
	ClickButton(ctx context.Context, msgID int, data []byte) error
	Watermark(ctx context.Context) (int, error)
	WaitForReply(ctx context.Context, sinceID int, wait time.Duration, match func(telegram.Message) bool) (telegram.Message, error)
}

// ResultStore persists completed lookups for later cache hits.
type ResultStore interface {
	Store(ctx context.Context, phone string, loc models.Location) error
}

// EventPublisher emits lookup.completed events. Matches kafka.Producer.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// RateLimiter paces outbound conversations. Matches rediscache.RateLimiter.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Settings struct {
	// JobDeadline bounds one job end to end; expiry settles it as Timeout.
	JobDeadline time.Duration
	// FirstReplyWait is one wait window for the button menu after sending
	// the phone; ButtonRetries windows with ButtonRetryPause between them,
	// then BotSilent.
	FirstReplyWait   time.Duration
	ButtonRetries    int
	ButtonRetryPause time.Duration
	// StepWait is one wait window for the post-click reply; ReplyRetries
	// windows, then BotSilent (or ParseFailed if replies arrived but none
	// parsed).
	StepWait        time.Duration
	ReplyRetries    int
	ReplyRetryPause time.Duration
	// MaxPending is the queue bound; Submit beyond it fails Overloaded.
	MaxPending int
	// ButtonMatch selects the menu button: case-insensitive substring of
	// the label.
	ButtonMatch string
	// QueriesPerMinute caps outbound conversations when a rate limiter is
	// wired; 0 disables the check.
	QueriesPerMinute int64
	// CancelDrainGrace is how long the worker listens for a late reply
	// after a cancelled conversation before taking the next job.
	CancelDrainGrace time.Duration
}

func defaultSettings() Settings {
	return Settings{
		JobDeadline:      45 * time.Second,
		FirstReplyWait:   5 * time.Second,
		ButtonRetries:    3,
		ButtonRetryPause: time.Second,
		StepWait:         6 * time.Second,
		ReplyRetries:     3,
		ReplyRetryPause:  1500 * time.Millisecond,
		MaxPending:       100,
		ButtonMatch:      "CP",
		QueriesPerMinute: 20,
		CancelDrainGrace: 500 * time.Millisecond,
	}
}

type stats struct {
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	cacheHits atomic.Int64
	inFlight  atomic.Int64
}

// StatsSnapshot is the /stats payload.
type StatsSnapshot struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	CacheHits int64 `json:"cache_hits"`
	InFlight  int64 `json:"in_flight"`
	Pending   int   `json:"pending"`
	Retained  int   `json:"retained_jobs"`
}

type Broker struct {
	registry *jobs.Registry
	driver   SessionDriver
	results  ResultStore
	log      *slog.Logger

	limiter   RateLimiter
	publisher EventPublisher
	topic     string

	settings Settings
	queue    chan string

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	stats stats
}

func New(registry *jobs.Registry, driver SessionDriver, results ResultStore, log *slog.Logger) *Broker {
	b := &Broker{
		registry: registry,
		driver:   driver,
		results:  results,
		log:      log,
		settings: defaultSettings(),
		cancels:  make(map[string]context.CancelFunc),
	}
	b.queue = make(chan string, b.settings.MaxPending)
	return b
}

func (b *Broker) WithSettings(st Settings) *Broker {
	if st.JobDeadline > 0 {
		b.settings.JobDeadline = st.JobDeadline
	}
	if st.FirstReplyWait > 0 {
		b.settings.FirstReplyWait = st.FirstReplyWait
	}
	if st.ButtonRetries > 0 {
		b.settings.ButtonRetries = st.ButtonRetries
	}
	if st.ButtonRetryPause > 0 {
		b.settings.ButtonRetryPause = st.ButtonRetryPause
	}
	if st.StepWait > 0 {
		b.settings.StepWait = st.StepWait
	}
	if st.ReplyRetries > 0 {
		b.settings.ReplyRetries = st.ReplyRetries
	}
	if st.ReplyRetryPause > 0 {
		b.settings.ReplyRetryPause = st.ReplyRetryPause
	}
	if st.MaxPending > 0 {
		b.settings.MaxPending = st.MaxPending
		b.queue = make(chan string, st.MaxPending)
	}
	if st.ButtonMatch != "" {
		b.settings.ButtonMatch = st.ButtonMatch
	}
	if st.QueriesPerMinute > 0 {
		b.settings.QueriesPerMinute = st.QueriesPerMinute
	}
	if st.CancelDrainGrace > 0 {
		b.settings.CancelDrainGrace = st.CancelDrainGrace
	}
	return b
}

// WithRateLimiter wires the outbound conversation pacer.
func (b *Broker) WithRateLimiter(rl RateLimiter) *Broker {
	b.limiter = rl
	return b
}

// WithPublisher wires the lookup.completed event stream.
func (b *Broker) WithPublisher(p EventPublisher, topic string) *Broker {
	b.publisher = p
	b.topic = topic
	return b
}

// Submit enqueues a lookup for an already-normalised phone. A live job
// for the same phone is returned as-is instead of starting a second
// flight. A full queue fails with Overloaded and leaves no trace in the
// registry.
func (b *Broker) Submit(phone, submitter string) (models.Job, error) {
	job, err := b.registry.Create(phone, submitter)
	if err != nil {
		if models.IsKind(err, models.ErrConflict) {
			return job, nil
		}
		return models.Job{}, err
	}

	select {
	case b.queue <- job.ID:
	default:
		b.registry.Discard(job.ID)
		return models.Job{}, models.NewQueryError(models.ErrOverloaded,
			"%d lookups already pending", b.settings.MaxPending)
	}

	b.stats.submitted.Add(1)
	b.log.Info("lookup queued", "job_id", job.ID, "phone", phone)
	return job, nil
}

// Cancel requests cancellation of a job. Queued jobs settle immediately;
// a running job has its context cancelled and settles once the worker
// notices. Cancelling a terminal job is a no-op.
func (b *Broker) Cancel(id string) (models.Job, error) {
	job, ok := b.registry.Get(id)
	if !ok {
		return models.Job{}, errors.Errorf("unknown job %s", id)
	}
	if job.Status.Terminal() {
		return job, nil
	}

	b.mu.Lock()
	cancel, running := b.cancels[id]
	b.mu.Unlock()
	if running {
		cancel()
		job, _ = b.registry.Get(id)
		return job, nil
	}

	job, err := b.registry.Transition(id, models.JobStatusCancelled, jobs.TransitionPayload{
		Message: "cancelled before start",
		Error:   &models.JobError{Kind: models.ErrCancelled, Detail: "cancelled by request"},
	})
	if err != nil {
		// Lost the race with the worker or another cancel.
		job, _ = b.registry.Get(id)
		return job, nil
	}
	b.stats.cancelled.Add(1)
	return job, nil
}

// Run drains the queue with a single worker until ctx is cancelled.
// One job at a time keeps the session conversation serial.
func (b *Broker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-b.queue:
			b.process(ctx, id)
		}
	}
}

func (b *Broker) process(ctx context.Context, id string) {
	job, ok := b.registry.Get(id)
	if !ok || job.Status.Terminal() {
		return // discarded or cancelled while queued
	}

	jobCtx, cancel := context.WithTimeout(ctx, b.settings.JobDeadline)
	b.mu.Lock()
	b.cancels[id] = cancel
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.cancels, id)
		b.mu.Unlock()
		cancel()
	}()

	if _, err := b.registry.Transition(id, models.JobStatusRunning, jobs.TransitionPayload{Message: "querying bot"}); err != nil {
		return // cancelled between dequeue and start
	}
	b.stats.inFlight.Add(1)
	defer b.stats.inFlight.Add(-1)

	start := time.Now()
	loc, raw, err := b.converse(jobCtx, job.Phone)
	if err != nil {
		if errors.Is(jobCtx.Err(), context.Canceled) && ctx.Err() == nil {
			b.drainPendingReply(ctx)
		}
		b.settleError(ctx, id, jobCtx, err, raw)
		return
	}

	settled, terr := b.registry.Transition(id, models.JobStatusCompleted, jobs.TransitionPayload{
		Message: "location resolved",
		Result:  &loc,
	})
	if terr != nil {
		return // cancelled at the finish line, cancel wins
	}
	b.stats.completed.Add(1)
	b.log.Info("lookup completed", "job_id", id, "phone", job.Phone,
		"source", loc.Source, "took", time.Since(start))

	if err := b.results.Store(ctx, job.Phone, loc); err != nil {
		b.log.Error("cache store failed", "job_id", id, "error", err)
	}
	b.publishCompleted(ctx, settled, loc)
}

func (b *Broker) settleError(ctx context.Context, id string, jobCtx context.Context, err error, raw string) {
	kind := models.KindOf(err)
	switch {
	case kind != "":
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		kind = models.ErrTimeout
		err = errors.Errorf("job deadline %s exceeded", b.settings.JobDeadline)
	case errors.Is(jobCtx.Err(), context.Canceled) && ctx.Err() == nil:
		kind = models.ErrCancelled
		err = errors.New("cancelled by request")
	default:
		// Transport failures surface here; the supervisor is already
		// reconnecting.
		kind = models.ErrSessionUnavailable
	}

	jerr := &models.JobError{Kind: kind, Detail: err.Error()}
	if kind == models.ErrParseFailed || kind == models.ErrBotUIChanged {
		jerr.Raw = raw
	}
	status := models.JobStatusError
	message := "lookup failed"
	if kind == models.ErrCancelled {
		status = models.JobStatusCancelled
		message = "cancelled"
	}
	if _, terr := b.registry.Transition(id, status, jobs.TransitionPayload{
		Message: message,
		Error:   jerr,
	}); terr != nil {
		return
	}
	if kind == models.ErrCancelled {
		b.stats.cancelled.Add(1)
	} else {
		b.stats.failed.Add(1)
	}
	b.log.Warn("lookup failed", "job_id", id, "kind", kind, "error", err)
}

// converse runs one bot conversation: send the phone, wait for the menu,
// press the matching button, wait for a parseable reply. raw carries the
// last transcript text considered, for diagnosis.
func (b *Broker) converse(ctx context.Context, phone string) (loc models.Location, raw string, err error) {
	if err := b.waitRateLimit(ctx); err != nil {
		return models.Location{}, "", err
	}

	mark, err := b.driver.Watermark(ctx)
	if err != nil {
		return models.Location{}, "", err
	}
	if err := b.driver.SendText(ctx, phone); err != nil {
		return models.Location{}, "", err
	}

	menu, btn, menuRaw, err := b.waitForMenu(ctx, mark)
	if err != nil {
		return models.Location{}, menuRaw, err
	}
	if err := b.driver.ClickButton(ctx, menu.ID, btn.Data); err != nil {
		return models.Location{}, menu.Text, models.NewQueryError(models.ErrBotUIChanged,
			"button press rejected: %v", err)
	}

	return b.waitForResult(ctx, menu.ID)
}

// drainPendingReply absorbs a late bot reply after a cancelled
// conversation so the next job does not mistake it for its own.
func (b *Broker) drainPendingReply(ctx context.Context) {
	grace := b.settings.CancelDrainGrace
	if grace <= 0 {
		return
	}
	drainCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	mark, err := b.driver.Watermark(drainCtx)
	if err != nil {
		return
	}
	_, _ = b.driver.WaitForReply(drainCtx, mark, grace, nil)
}

func (b *Broker) waitRateLimit(ctx context.Context) error {
	if b.limiter == nil || b.settings.QueriesPerMinute <= 0 {
		return nil
	}
	for {
		ok, n, err := b.limiter.Allow(ctx, "rl:bot", b.settings.QueriesPerMinute, time.Minute)
		if err != nil {
			// Limiter trouble never blocks lookups.
			b.log.Warn("rate limiter unavailable", "error", err)
			return nil
		}
		if ok {
			return nil
		}
		b.log.Info("bot rate limit reached, pausing", "count", n)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// waitForMenu watches the transcript above sinceID until a button-bearing
// message carries the configured button. Bots sometimes split the menu
// across several messages, so every button message in the window is
// considered, not just the newest.
func (b *Broker) waitForMenu(ctx context.Context, sinceID int) (telegram.Message, telegram.Button, string, error) {
	var sawMenu bool
	var lastMenuText string
	var picked telegram.Button
	match := func(m telegram.Message) bool {
		if len(m.Buttons) == 0 {
			return false
		}
		sawMenu = true
		lastMenuText = m.Text
		btn, ok := b.findButton(m)
		if !ok {
			return false
		}
		picked = btn
		return true
	}

	for attempt := 0; attempt < b.settings.ButtonRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return telegram.Message{}, telegram.Button{}, lastMenuText, ctx.Err()
			case <-time.After(b.settings.ButtonRetryPause):
			}
		}
		msg, err := b.driver.WaitForReply(ctx, sinceID, b.settings.FirstReplyWait, match)
		if err == nil {
			return msg, picked, lastMenuText, nil
		}
		if !errors.Is(err, session.ErrNoReply) {
			return telegram.Message{}, telegram.Button{}, lastMenuText, err
		}
	}
	if sawMenu {
		return telegram.Message{}, telegram.Button{}, lastMenuText, models.NewQueryError(models.ErrBotUIChanged,
			"no button matching %q across the menu window", b.settings.ButtonMatch)
	}
	return telegram.Message{}, telegram.Button{}, "", models.NewQueryError(models.ErrBotSilent,
		"no button menu after %d waits of %s", b.settings.ButtonRetries, b.settings.FirstReplyWait)
}

// findButton scans the menu grid in display order for the first button
// whose label contains the configured token, case-insensitively.
func (b *Broker) findButton(menu telegram.Message) (telegram.Button, bool) {
	token := strings.ToUpper(b.settings.ButtonMatch)
	for _, row := range menu.Buttons {
		for _, btn := range row {
			if strings.Contains(strings.ToUpper(btn.Label), token) {
				return btn, true
			}
		}
	}
	return telegram.Button{}, false
}

func (b *Broker) waitForResult(ctx context.Context, sinceID int) (models.Location, string, error) {
	var lastRaw string
	sawReply := false

	for attempt := 0; attempt < b.settings.ReplyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return models.Location{}, lastRaw, ctx.Err()
			case <-time.After(b.settings.ReplyRetryPause):
			}
		}
		msg, err := b.driver.WaitForReply(ctx, sinceID, b.settings.StepWait, nil)
		if errors.Is(err, session.ErrNoReply) {
			continue
		}
		if err != nil {
			return models.Location{}, lastRaw, err
		}

		sawReply = true
		lastRaw = msg.Text
		loc, perr := replyparse.Parse(msg)
		if perr == nil {
			return loc, lastRaw, nil
		}
		// Interim message ("processing...") or junk: skip past it and
		// keep waiting within the retry budget.
		sinceID = msg.ID
	}

	if sawReply {
		return models.Location{}, lastRaw, models.NewQueryError(models.ErrParseFailed,
			"replies arrived but none contained a location")
	}
	return models.Location{}, "", models.NewQueryError(models.ErrBotSilent,
		"no reply after pressing the button")
}

func (b *Broker) publishCompleted(ctx context.Context, job models.Job, loc models.Location) {
	if b.publisher == nil {
		return
	}
	finished := time.Now().UTC()
	if job.FinishedAt != nil {
		finished = *job.FinishedAt
	}
	ev := messages.LookupCompleted{
		JobID:          job.ID,
		Phone:          job.Phone,
		Submitter:      job.Submitter,
		Latitude:       loc.Latitude,
		Longitude:      loc.Longitude,
		AccuracyMeters: loc.AccuracyMeters,
		Source:         loc.Source,
		FinishedAt:     finished,
	}
	if loc.Address != nil {
		ev.Address = *loc.Address
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("event marshal failed", "job_id", job.ID, "error", err)
		return
	}
	if err := b.publisher.Publish(ctx, b.topic, []byte(job.Phone), payload); err != nil {
		b.log.Error("event publish failed", "job_id", job.ID, "error", err)
	}
}

// RecordCacheHit counts a lookup served from cache without a job.
func (b *Broker) RecordCacheHit() {
	b.stats.cacheHits.Add(1)
}

func (b *Broker) Stats() StatsSnapshot {
	return StatsSnapshot{
		Submitted: b.stats.submitted.Load(),
		Completed: b.stats.completed.Load(),
		Failed:    b.stats.failed.Load(),
		Cancelled: b.stats.cancelled.Load(),
		CacheHits: b.stats.cacheHits.Load(),
		InFlight:  b.stats.inFlight.Load(),
		Pending:   len(b.queue),
		Retained:  b.registry.Len(),
	}
}
