// Package alertmonitor implements the realtime alert monitor: a
// background task that polls the archive for new high-severity events,
// dedupes against a delivered-id set, groups survivors by severity band,
// and fans out one compact notification per tick to subscribed
// recipients, with per-recipient rate limiting and pruning on permanent
// transport failure.
package alertmonitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/sentrywatch/internal/archive"
)

const (
	defaultPollInterval     = 10 * time.Second
	candidatePoolSize       = 5
	maxCriticalLines        = 3
	maxHighLines            = 2
	maxMediumLines          = 1
	deliveredIDRetentionCap = 1000
	deliveredIDEvictKeep    = 500
	defaultSubscriberCap    = 1000
)

// Thresholds configures the severity bands the monitor watches.
type Thresholds struct {
	MinRuleLevel      int // default 5
	HighRuleLevel     int // default 7
	CriticalRuleLevel int // default 8
}

func (t Thresholds) orDefaults() Thresholds {
	if t.MinRuleLevel <= 0 {
		t.MinRuleLevel = 5
	}
	if t.HighRuleLevel <= 0 {
		t.HighRuleLevel = 7
	}
	if t.CriticalRuleLevel <= 0 {
		t.CriticalRuleLevel = 8
	}
	return t
}

// Transport is the notification collaborator: send a plaintext message (≤
// 4096 bytes) to one recipient. ErrBlocked distinguishes a permanent
// failure (the recipient can never receive again) from a transient one.
type Transport interface {
	Send(ctx context.Context, recipientID, message string) error
}

// ErrBlocked is returned by a Transport when the recipient has permanently
// rejected delivery (e.g. Telegram's "bot was blocked by the user").
var ErrBlocked = fmt.Errorf("alertmonitor: recipient blocked")

// Monitor owns the subscriber set and the delivered-id set. Zero value
// is not usable; build with New.
type Monitor struct {
	store         *archive.Store
	transport     Transport
	thresholds    Thresholds
	poll          time.Duration
	maxPerHour    int
	cooldown      time.Duration
	subscriberCap int
	retentionCap  int
	evictKeep     int

	mu          sync.Mutex
	subscribers map[string]struct{}
	delivered   map[int64]struct{}
	limiters    map[string]*rate.Limiter
	lastSent    map[string]time.Time
	cancel      context.CancelFunc
	stopped     chan struct{}
}

// Config configures a new Monitor.
type Config struct {
	Store                  *archive.Store
	Transport              Transport
	Thresholds             Thresholds
	PollInterval           time.Duration
	MaxPerHourPerRecipient int           // default 10
	Cooldown               time.Duration // minimum gap between sends to one recipient; 0 disables
	SubscriberCap          int           // default 1000
	DeliveredIDRetention   int           // evict above this size, default 1000
	DeliveredIDEvictKeep   int           // ids retained after eviction, default 500
}

// New builds a Monitor, not yet started.
func New(cfg Config) *Monitor {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	maxPerHour := cfg.MaxPerHourPerRecipient
	if maxPerHour <= 0 {
		maxPerHour = 10
	}
	subscriberCap := cfg.SubscriberCap
	if subscriberCap <= 0 {
		subscriberCap = defaultSubscriberCap
	}
	retentionCap := cfg.DeliveredIDRetention
	if retentionCap <= 0 {
		retentionCap = deliveredIDRetentionCap
	}
	evictKeep := cfg.DeliveredIDEvictKeep
	if evictKeep <= 0 || evictKeep > retentionCap {
		evictKeep = deliveredIDEvictKeep
	}
	return &Monitor{
		store:         cfg.Store,
		transport:     cfg.Transport,
		thresholds:    cfg.Thresholds.orDefaults(),
		poll:          poll,
		maxPerHour:    maxPerHour,
		cooldown:      cfg.Cooldown,
		subscriberCap: subscriberCap,
		retentionCap:  retentionCap,
		evictKeep:     evictKeep,
		subscribers:   make(map[string]struct{}),
		delivered:     make(map[int64]struct{}),
		limiters:      make(map[string]*rate.Limiter),
		lastSent:      make(map[string]time.Time),
	}
}

// SetTransport assigns the notification transport after construction, for
// composition roots where the transport (e.g. a Telegram bot) itself
// needs a reference to the Monitor to expose /subscribe commands —
// breaking the otherwise-circular construction order. Safe to call
// before the monitor has started; must not be called concurrently with
// Subscribe/Unsubscribe.
func (m *Monitor) SetTransport(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transport = t
}

// Subscribe adds a recipient, up to the configured subscriber cap. The
// monitor starts automatically on the first subscriber.
func (m *Monitor) Subscribe(ctx context.Context, recipientID string) {
	m.mu.Lock()
	_, existed := m.subscribers[recipientID]
	if !existed && len(m.subscribers) >= m.subscriberCap {
		m.mu.Unlock()
		slog.Warn("alertmonitor: subscriber cap reached, rejecting", "recipient", recipientID, "cap", m.subscriberCap)
		return
	}
	m.subscribers[recipientID] = struct{}{}
	m.limiters[recipientID] = rate.NewLimiter(rate.Limit(float64(m.maxPerHour)/3600.0), m.maxPerHour)
	shouldStart := !existed && len(m.subscribers) == 1 && m.cancel == nil
	m.mu.Unlock()

	if shouldStart {
		m.start(ctx)
	}
}

// Unsubscribe removes a recipient. The monitor stops and clears the
// delivered-id set once the subscriber set is empty; a later
// re-subscription is treated as fresh.
func (m *Monitor) Unsubscribe(recipientID string) {
	m.mu.Lock()
	delete(m.subscribers, recipientID)
	delete(m.limiters, recipientID)
	delete(m.lastSent, recipientID)
	empty := len(m.subscribers) == 0
	m.mu.Unlock()

	if empty {
		m.stop()
	}
}

// IsSubscribed reports whether recipientID is currently in the subscriber
// set, for surfaces that want to render a status command.
func (m *Monitor) IsSubscribed(recipientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subscribers[recipientID]
	return ok
}

// IsRunning reports whether the poll loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *Monitor) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	stopped := make(chan struct{})

	m.mu.Lock()
	m.cancel = cancel
	m.stopped = stopped
	m.mu.Unlock()

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(m.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.tick(ctx); err != nil {
					slog.Warn("alertmonitor: tick failed", "error", err)
				}
			}
		}
	}()
}

func (m *Monitor) stop() {
	m.mu.Lock()
	cancel := m.cancel
	stopped := m.stopped
	m.cancel = nil
	m.stopped = nil
	m.delivered = make(map[int64]struct{})
	m.lastSent = make(map[string]time.Time)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}

// Tick runs one poll cycle; exported for tests and for a caller that wants
// to drive the monitor manually instead of on a ticker.
func (m *Monitor) Tick(ctx context.Context) error { return m.tick(ctx) }

func (m *Monitor) tick(ctx context.Context) error {
	events, err := m.store.RecentEvents(ctx, archive.Filters{MinSeverity: m.thresholds.MinRuleLevel, Limit: candidatePoolSize})
	if err != nil {
		return fmt.Errorf("alertmonitor: query recent events: %w", err)
	}

	var survivors []archive.Event
	m.mu.Lock()
	for _, e := range events {
		if e.RuleLevel < m.thresholds.MinRuleLevel {
			continue
		}
		if _, seen := m.delivered[e.ID]; seen {
			continue
		}
		m.delivered[e.ID] = struct{}{}
		survivors = append(survivors, e)
	}
	m.evictDeliveredLocked()
	recipients := make([]string, 0, len(m.subscribers))
	for r := range m.subscribers {
		recipients = append(recipients, r)
	}
	m.mu.Unlock()

	if len(survivors) == 0 || len(recipients) == 0 {
		return nil
	}

	message := m.render(survivors)
	var blocked []string
	for _, recipient := range recipients {
		err := m.send(ctx, recipient, message)
		if err == nil {
			continue
		}
		slog.Warn("alertmonitor: delivery failed", "recipient", recipient, "error", err)
		if isBlocked(err) {
			blocked = append(blocked, recipient)
		}
	}
	m.pruneBlocked(blocked)
	return nil
}

// pruneBlocked removes permanently failed recipients after a fan-out. It
// runs on the poll goroutine, so when the set empties it must not join on
// that same goroutine: it cancels the poll context and lets the loop exit
// on its own instead of waiting for it.
func (m *Monitor) pruneBlocked(blocked []string) {
	if len(blocked) == 0 {
		return
	}
	m.mu.Lock()
	for _, r := range blocked {
		delete(m.subscribers, r)
		delete(m.limiters, r)
		delete(m.lastSent, r)
	}
	empty := len(m.subscribers) == 0
	var cancel context.CancelFunc
	if empty {
		cancel = m.cancel
		m.cancel = nil
		m.stopped = nil
		m.delivered = make(map[int64]struct{})
		m.lastSent = make(map[string]time.Time)
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// evictDeliveredLocked trims the delivered-id set once it grows past the
// retention cap, retaining the most recent (largest) ids. Must be called
// with m.mu held.
func (m *Monitor) evictDeliveredLocked() {
	if len(m.delivered) <= m.retentionCap {
		return
	}
	ids := make([]int64, 0, len(m.delivered))
	for id := range m.delivered {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	if len(ids) > m.evictKeep {
		ids = ids[:m.evictKeep]
	}
	kept := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		kept[id] = struct{}{}
	}
	m.delivered = kept
}

func (m *Monitor) send(ctx context.Context, recipient, message string) error {
	now := time.Now()
	m.mu.Lock()
	limiter := m.limiters[recipient]
	last := m.lastSent[recipient]
	m.mu.Unlock()

	if m.cooldown > 0 && !last.IsZero() && now.Sub(last) < m.cooldown {
		return nil // still cooling down; drop rather than queue
	}
	if limiter != nil && !limiter.Allow() {
		return nil // rate-limited this hour; drop silently rather than queue
	}

	// Blocked recipients are pruned by the caller after the fan-out loop,
	// never from inside send: Unsubscribe here could empty the set and
	// have the poll goroutine join on itself in stop.
	err := m.transport.Send(ctx, recipient, message)
	if err == nil {
		m.mu.Lock()
		m.lastSent[recipient] = now
		m.mu.Unlock()
	}
	return err
}

func isBlocked(err error) bool {
	return err == ErrBlocked || strings.Contains(err.Error(), "blocked")
}

// render groups survivors by severity band and formats one compact
// notification: up to maxCriticalLines critical, maxHighLines high, and
// maxMediumLines medium summary lines, with a trailing overflow count.
func (m *Monitor) render(survivors []archive.Event) string {
	var critical, high, medium []archive.Event
	for _, e := range survivors {
		switch archive.BandFor(e.RuleLevel, m.thresholds.CriticalRuleLevel, m.thresholds.HighRuleLevel, m.thresholds.MinRuleLevel) {
		case archive.SeverityCritical:
			critical = append(critical, e)
		case archive.SeverityHigh:
			high = append(high, e)
		default:
			medium = append(medium, e)
		}
	}

	var b strings.Builder
	b.WriteString("Security alert summary:\n")
	overflow := appendBand(&b, "CRITICAL", critical, maxCriticalLines)
	overflow += appendBand(&b, "HIGH", high, maxHighLines)
	overflow += appendBand(&b, "MEDIUM", medium, maxMediumLines)
	if overflow > 0 {
		fmt.Fprintf(&b, "...and %d more event(s) this cycle.\n", overflow)
	}
	return b.String()
}

func appendBand(b *strings.Builder, label string, events []archive.Event, max int) int {
	shown := events
	overflow := 0
	if len(shown) > max {
		overflow = len(shown) - max
		shown = shown[:max]
	}
	for _, e := range shown {
		fmt.Fprintf(b, "[%s] #%d rule %d (level %d) on %s: %s\n", label, e.ID, e.RuleID, e.RuleLevel, e.AgentName, e.RuleDescription)
	}
	return overflow
}
