package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
)

// Event types published on link status transitions.
const (
	EventBroken    = "link.broken"
	EventRecovered = "link.recovered"
)

type event struct {
	Type string
	Link linkcheck.Link
}

// transition reports the event, if any, implied by a link going from before
// to after. Dismissed links and false positives never raise link.broken.
func transition(before, after linkcheck.Link) (event, bool) {
	failing := func(l linkcheck.Link) bool { return l.Broken || l.Timeout }
	switch {
	case failing(after) && !failing(before) && !after.Dismissed && !after.FalsePositive:
		return event{Type: EventBroken, Link: after}, true
	case failing(before) && !failing(after):
		return event{Type: EventRecovered, Link: after}, true
	default:
		return event{}, false
	}
}

func (w *Worker) publish(ctx context.Context, logger *zap.Logger, runID string, events []event) {
	if w.deps.Publisher == nil || w.cfg.Topic == "" {
		return
	}
	for _, ev := range events {
		payload := map[string]any{
			"event":       ev.Type,
			"run_id":      runID,
			"link_id":     ev.Link.ID,
			"url":         ev.Link.URL,
			"final_url":   ev.Link.FinalURL,
			"http_code":   ev.Link.HTTPCode,
			"status":      string(ev.Link.Status()),
			"status_text": ev.Link.StatusText,
			"timestamp":   ev.Link.LastCheck.Format(time.RFC3339),
		}
		if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
			logger.Warn("publish link event", zap.String("event", ev.Type), zap.String("url", ev.Link.URL), zap.Error(err))
		}
	}
}
