// Package reports implements scheduled reporting: a cron-triggered
// gatherer that turns archive aggregates into a ReportPayload and hands
// it to an external Renderer. Rendering (PDF/HTML/chat formatting) lives
// outside this module.
package reports

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/sentrywatch/internal/archive"
)

// ReportRequest describes one scheduled or on-demand report trigger.
type ReportRequest struct {
	ID            string
	RequestedBy   string // recipient id, e.g. a Telegram chat id or "schedule"
	CronExpr      string // empty for a one-shot request
	WindowHours   int
	GeneratedAt   time.Time
	DeliveryState string // "pending", "delivered", "failed"
}

// ReportPayload is the aggregated data handed to the external renderer.
type ReportPayload struct {
	Request     ReportRequest
	Window      archive.TimeWindow
	Aggregate   archive.DashboardAggregate
	GeneratedAt time.Time
}

// Renderer is the out-of-scope collaborator that turns a ReportPayload
// into a deliverable artifact (PDF, HTML, chat message, etc.) and hands it
// to a transport. Implementations live outside this module.
type Renderer interface {
	Render(ctx context.Context, payload ReportPayload) error
}

// Scheduler polls a cron expression once a minute and gathers a
// ReportPayload each time it fires.
type Scheduler struct {
	store     *archive.Store
	renderer  Renderer
	cronExpr  string
	windowHrs int
	recipient string

	critical, high, medium int

	gron       *gronx.Gronx
	pollPeriod time.Duration
}

// Config configures a Scheduler.
type Config struct {
	Store          *archive.Store
	Renderer       Renderer
	CronExpression string // e.g. "0 8 * * *"
	WindowHours    int
	Recipient      string

	CriticalRuleLevel int
	HighRuleLevel     int
	MediumRuleLevel   int
}

// New builds a Scheduler, not yet started.
func New(cfg Config) *Scheduler {
	windowHrs := cfg.WindowHours
	if windowHrs <= 0 {
		windowHrs = 24
	}
	critical, high, medium := cfg.CriticalRuleLevel, cfg.HighRuleLevel, cfg.MediumRuleLevel
	if critical <= 0 {
		critical = 8
	}
	if high <= 0 {
		high = 7
	}
	if medium <= 0 {
		medium = 5
	}
	return &Scheduler{
		store:      cfg.Store,
		renderer:   cfg.Renderer,
		cronExpr:   cfg.CronExpression,
		windowHrs:  windowHrs,
		recipient:  cfg.Recipient,
		critical:   critical,
		high:       high,
		medium:     medium,
		gron:       gronx.New(),
		pollPeriod: time.Minute,
	}
}

// Run polls the cron expression every pollPeriod until ctx is cancelled,
// gathering and rendering one report each time the expression is due.
// A disabled/empty cron expression makes Run a no-op that exits
// immediately, so the composition root can start it unconditionally.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cronExpr == "" {
		return nil
	}

	ticker := time.NewTicker(s.pollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			due, err := s.gron.IsDue(s.cronExpr)
			if err != nil {
				slog.Warn("reports: invalid cron expression", "expr", s.cronExpr, "error", err)
				continue
			}
			if !due {
				continue
			}
			if err := s.fireOnce(ctx); err != nil {
				slog.Warn("reports: scheduled report failed", "error", err)
			}
		}
	}
}

// Gather builds a ReportPayload for an on-demand request (e.g. a
// Telegram /report command) without going through the cron schedule.
func (s *Scheduler) Gather(ctx context.Context, req ReportRequest) (ReportPayload, error) {
	if req.WindowHours <= 0 {
		req.WindowHours = s.windowHrs
	}
	window := archive.TimeWindow{
		Start: time.Now().Add(-time.Duration(req.WindowHours) * time.Hour).Format(time.RFC3339),
		End:   time.Now().Format(time.RFC3339),
	}

	agg, err := s.store.Dashboard(ctx, window, s.critical, s.high, s.medium)
	if err != nil {
		return ReportPayload{}, fmt.Errorf("reports: gather dashboard: %w", err)
	}

	return ReportPayload{
		Request:     req,
		Window:      window,
		Aggregate:   agg,
		GeneratedAt: time.Now(),
	}, nil
}

func (s *Scheduler) fireOnce(ctx context.Context) error {
	req := ReportRequest{
		ID:            uuid.NewString(),
		RequestedBy:   s.recipient,
		CronExpr:      s.cronExpr,
		WindowHours:   s.windowHrs,
		GeneratedAt:   time.Now(),
		DeliveryState: "pending",
	}

	payload, err := s.Gather(ctx, req)
	if err != nil {
		return err
	}
	if s.renderer == nil {
		slog.Debug("reports: no renderer configured, dropping payload", "request_id", req.ID)
		return nil
	}
	return s.renderer.Render(ctx, payload)
}
