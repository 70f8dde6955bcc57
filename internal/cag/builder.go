// Package cag implements the cache-augmented-generation context builder:
// a deterministic, bounded-token-budget prompt fragment summarizing a
// window of recent archive events.
package cag

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/sentrywatch/internal/archive"
)

// approxTokens estimates token count crudely at roughly 4 characters per
// token. This never needs to be exact, only monotonic and conservative.
func approxTokens(s string) int {
	return (len(s) + 3) / 4
}

const header = "You are assisting a security analyst. The following is a compact summary of recent security events from the archive. Use it to ground factual claims; cite event ids when referencing specific events.\n\n"

// Builder composes a single text block from recent archive events, never
// exceeding a configured token budget, truncating the oldest events first
// when the budget is tight.
type Builder struct {
	store       *archive.Store
	tokenBudget int

	mu       sync.RWMutex
	cached   string
	builtFor string // watermark timestamp this cache was built from
}

// NewBuilder constructs a Builder bound to an archive store and a token
// budget, typically 16k-32k.
func NewBuilder(store *archive.Store, tokenBudget int) *Builder {
	if tokenBudget <= 0 {
		tokenBudget = 24000
	}
	return &Builder{store: store, tokenBudget: tokenBudget}
}

// Stale reports whether the cached fragment was built from an older
// watermark than the archive currently holds.
func (b *Builder) Stale(ctx context.Context) (bool, error) {
	wm, err := b.store.Watermark(ctx)
	if err != nil {
		return false, fmt.Errorf("read watermark: %w", err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cached == "" || b.builtFor != wm.LastTimestamp, nil
}

// Fragment returns the cached context block, building it first if absent
// or stale.
func (b *Builder) Fragment(ctx context.Context, windowLimit int) (string, error) {
	stale, err := b.Stale(ctx)
	if err != nil {
		return "", err
	}
	if !stale {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return b.cached, nil
	}
	return b.Rebuild(ctx, windowLimit)
}

// Rebuild unconditionally recomputes the context fragment from the most
// recent windowLimit events, in reverse-chronological order, dropping the
// oldest first if the token budget is exceeded. Build is deterministic
// and idempotent for a fixed input window.
func (b *Builder) Rebuild(ctx context.Context, windowLimit int) (string, error) {
	events, err := b.store.RecentEvents(ctx, archive.Filters{Limit: windowLimit})
	if err != nil {
		return "", fmt.Errorf("select recent events: %w", err)
	}

	rendered := make([]string, len(events))
	for i, e := range events {
		rendered[i] = renderEvent(e)
	}

	fragment := assembleWithinBudget(header, rendered, b.tokenBudget)

	wm, err := b.store.Watermark(ctx)
	if err != nil {
		return "", fmt.Errorf("read watermark: %w", err)
	}

	b.mu.Lock()
	b.cached = fragment
	b.builtFor = wm.LastTimestamp
	b.mu.Unlock()

	return fragment, nil
}

// renderEvent produces the compact per-event block: id, timestamp, agent,
// rule id/level, description, location, and the raw log line in full.
func renderEvent(e archive.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s agent=%s rule=%d level=%d location=%s\n", e.ID, e.Timestamp, e.AgentName, e.RuleID, e.RuleLevel, e.Location)
	fmt.Fprintf(&b, "    %s\n", e.RuleDescription)
	fmt.Fprintf(&b, "    log: %s\n", e.FullLog)
	return b.String()
}

// assembleWithinBudget joins the header and as many of the rendered event
// blocks as fit the token budget, dropping from the end of the slice
// (oldest events, since RecentEvents returns newest-first) first.
func assembleWithinBudget(header string, rendered []string, tokenBudget int) string {
	total := approxTokens(header)
	kept := make([]string, 0, len(rendered))
	for _, r := range rendered {
		cost := approxTokens(r)
		if total+cost > tokenBudget {
			break
		}
		kept = append(kept, r)
		total += cost
	}

	var b strings.Builder
	b.WriteString(header)
	for _, r := range kept {
		b.WriteString(r)
	}
	return b.String()
}
