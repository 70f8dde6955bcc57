package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/sentrywatch/internal/archive"
	"github.com/nextlevelbuilder/sentrywatch/internal/telemetry"
)

var tracer = telemetry.Tracer("sentrywatch/ingest")

// Config parameterizes one Pipeline instance.
type Config struct {
	Container    string
	ArchivesPath string
	TailLines    int           // N, default 50
	Interval     time.Duration // tick cadence, default 5s
}

// DefaultConfig returns a Config with the standard tail size and cadence:
// 50 lines every 5 seconds, sized so a typical burst fits in one tick.
func DefaultConfig(container, path string) Config {
	return Config{Container: container, ArchivesPath: path, TailLines: 50, Interval: 5 * time.Second}
}

// Pipeline tails the container's JSON-lines archive file on a fixed
// cadence (lengthened by a capped backoff after failed ticks),
// deduplicates, and commits batches to the archive store.
type Pipeline struct {
	cfg    Config
	exec   ContainerExec
	store  *archive.Store
	backoff *cappedBackoff
}

// NewPipeline constructs a Pipeline over the given store and container
// collaborator.
func NewPipeline(cfg Config, exec ContainerExec, store *archive.Store) *Pipeline {
	if cfg.TailLines <= 0 {
		cfg.TailLines = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Pipeline{cfg: cfg, exec: exec, store: store, backoff: newCappedBackoff(cfg.Interval, 2*time.Minute)}
}

// Run blocks, ticking at cfg.Interval until ctx is cancelled; after failed
// ticks the wait grows by the capped backoff and returns to cfg.Interval on
// the next success. It responds to cancellation within one tick.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				p.backoff.fail()
				slog.Warn("ingest.tick_failed", "error", err, "backoff", p.backoff.current())
			} else {
				p.backoff.reset()
			}
			ticker.Reset(p.backoff.current())
		}
	}
}

// Tick runs one ingest iteration: probe the file for recent modification,
// tail the last N lines, parse and dedupe, commit the batch.
func (p *Pipeline) Tick(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "ingest.Tick")
	defer span.End()

	changed, err := p.exec.HasRecentModification(ctx, p.cfg.Container, p.cfg.ArchivesPath, p.cfg.Interval*2)
	if err != nil {
		return fmt.Errorf("probe modification: %w", err)
	}
	if !changed {
		return nil
	}

	out, err := p.exec.TailLines(ctx, p.cfg.Container, p.cfg.ArchivesPath, p.cfg.TailLines)
	if err != nil {
		return fmt.Errorf("tail lines: %w", err)
	}

	wm, err := p.store.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}

	batch := make([]archive.Event, 0, p.cfg.TailLines)
	batchHashes := make(map[string]struct{}, p.cfg.TailLines)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			slog.Warn("ingest.parse_failed", "error", err)
			continue
		}
		if rec.Timestamp <= wm.LastTimestamp {
			continue
		}

		// Dedup against both the archive and earlier lines in this batch.
		hash := archive.ContentHash(rec.Timestamp, rec.FullLog, rec.RuleID)
		if _, seen := batchHashes[hash]; seen {
			continue
		}
		dup, err := p.store.IsDuplicate(ctx, hash, rec.Timestamp)
		if err != nil {
			slog.Warn("ingest.dedup_check_failed", "error", err)
			continue
		}
		if dup {
			continue
		}

		batchHashes[hash] = struct{}{}
		batch = append(batch, rec)
	}

	if len(batch) == 0 {
		return nil
	}

	res, err := p.store.Append(ctx, batch)
	if err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	slog.Info("ingest.batch", "parsed", len(batch), "inserted", res.Inserted, "watermark", res.NewWatermark)
	return nil
}

// rawRecord mirrors the shape of one Wazuh alert JSON line. Unknown fields
// are ignored; missing numeric fields coerce to 0.
type rawRecord struct {
	Timestamp string `json:"timestamp"`
	Agent     struct {
		ID   json.Number `json:"id"`
		Name string      `json:"name"`
		IP   string      `json:"ip"`
	} `json:"agent"`
	Manager struct {
		Name string `json:"name"`
	} `json:"manager"`
	Location string `json:"location"`
	Decoder  struct {
		Name string `json:"name"`
	} `json:"decoder"`
	Rule struct {
		ID          json.Number `json:"id"`
		Level       json.Number `json:"level"`
		Description string      `json:"description"`
		Mitre       struct {
			ID        []string `json:"id"`
			Tactic    []string `json:"tactic"`
			Technique []string `json:"technique"`
		} `json:"mitre"`
	} `json:"rule"`
	FullLog string `json:"full_log"`
}

func parseLine(line string) (archive.Event, error) {
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	var rec rawRecord
	if err := dec.Decode(&rec); err != nil {
		return archive.Event{}, fmt.Errorf("parse record: %w", err)
	}
	if rec.Timestamp == "" {
		return archive.Event{}, fmt.Errorf("record missing timestamp")
	}

	fullLog := rec.FullLog
	if fullLog == "" {
		fullLog = line
	}

	return archive.Event{
		Timestamp:       normalizeTimestamp(rec.Timestamp),
		AgentID:         rec.Agent.ID.String(),
		AgentName:       rec.Agent.Name,
		AgentIP:         rec.Agent.IP,
		ManagerName:     rec.Manager.Name,
		Location:        rec.Location,
		DecoderName:     rec.Decoder.Name,
		RuleID:          coerceInt(rec.Rule.ID),
		RuleLevel:       coerceInt(rec.Rule.Level),
		RuleDescription: rec.Rule.Description,
		MitreID:         strings.Join(rec.Rule.Mitre.ID, ","),
		MitreTactic:     strings.Join(rec.Rule.Mitre.Tactic, ","),
		MitreTechnique:  strings.Join(rec.Rule.Mitre.Technique, ","),
		FullLog:         fullLog,
		JSONData:        line,
	}, nil
}

// canonicalTimeLayout is fixed-width UTC with millisecond precision, so
// lexicographic order on stored timestamps matches chronological order.
const canonicalTimeLayout = "2006-01-02T15:04:05.000Z"

// timestampLayouts covers the offset formats producers are known to emit:
// RFC3339 with and without fractional seconds, the no-colon offset
// variant, and a bare datetime (taken as UTC).
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05",
}

// normalizeTimestamp parses a producer timestamp against the tolerant
// layout list and re-renders it as fixed-width UTC. The watermark
// comparison and the 1-hour dedup window both rely on stored timestamps
// being string-comparable in chronological order, which only holds once
// every offset variant is folded into one canonical form. An unparseable
// value is kept verbatim with a warning rather than dropping the record.
func normalizeTimestamp(raw string) string {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().Format(canonicalTimeLayout)
		}
	}
	slog.Warn("ingest.timestamp_not_canonical", "timestamp", raw)
	return raw
}

// coerceInt converts a json.Number to int, falling back to 0 on any
// malformed or absent value.
func coerceInt(n json.Number) int {
	if n == "" {
		return 0
	}
	v, err := strconv.Atoi(n.String())
	if err != nil {
		return 0
	}
	return v
}

// cappedBackoff implements capped exponential retry for container/exec
// failures.
type cappedBackoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newCappedBackoff(base, max time.Duration) *cappedBackoff {
	return &cappedBackoff{base: base, max: max}
}

func (b *cappedBackoff) fail() { b.attempt++ }

func (b *cappedBackoff) reset() { b.attempt = 0 }

func (b *cappedBackoff) current() time.Duration {
	d := b.base * time.Duration(1<<minInt(b.attempt, 10))
	if d > b.max {
		d = b.max
	}
	return d
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
