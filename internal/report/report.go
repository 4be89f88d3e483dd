// Package report exports broken and warning links as a JSON document.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
	"github.com/JakeFAU/linkcheck/internal/logging"
)

const pageSize = 200

// Entry is one link in a report with the places it occurs.
type Entry struct {
	ID           int64                `json:"id"`
	URL          string               `json:"url"`
	FinalURL     string               `json:"final_url,omitempty"`
	Status       linkcheck.Status     `json:"status"`
	HTTPCode     int                  `json:"http_code"`
	StatusText   string               `json:"status_text"`
	CheckCount   int                  `json:"check_count"`
	FirstFailure *time.Time           `json:"first_failure,omitempty"`
	LastCheck    *time.Time           `json:"last_check,omitempty"`
	Instances    []linkcheck.Instance `json:"instances"`
}

// Report is the exported document.
type Report struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Summary     linkcheck.Summary `json:"summary"`
	Broken      []Entry           `json:"broken"`
	Warnings    []Entry           `json:"warnings"`
}

// Exporter builds reports from a LinkStore and writes them to a BlobStore.
type Exporter struct {
	store  linkcheck.LinkStore
	blobs  linkcheck.BlobStore
	clock  linkcheck.Clock
	logger *zap.Logger
}

// NewExporter wires an Exporter.
func NewExporter(store linkcheck.LinkStore, blobs linkcheck.BlobStore, clock linkcheck.Clock, logger *zap.Logger) *Exporter {
	return &Exporter{
		store:  store,
		blobs:  blobs,
		clock:  clock,
		logger: logging.OrNop(logger).Named("report"),
	}
}

// Build collects the current broken and warning links. Dismissed links are
// left out.
func (e *Exporter) Build(ctx context.Context) (Report, error) {
	sum, err := e.store.Summary(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("summarize links: %w", err)
	}
	broken, err := e.collect(ctx, linkcheck.FilterBroken)
	if err != nil {
		return Report{}, err
	}
	warnings, err := e.collect(ctx, linkcheck.FilterWarning)
	if err != nil {
		return Report{}, err
	}
	return Report{
		GeneratedAt: e.clock.Now().UTC(),
		Summary:     sum,
		Broken:      broken,
		Warnings:    warnings,
	}, nil
}

func (e *Exporter) collect(ctx context.Context, filter string) ([]Entry, error) {
	entries := []Entry{}
	for page := 1; ; page++ {
		links, total, err := e.store.QueryLinks(ctx, linkcheck.LinkFilter{Filter: filter, Page: page, PerPage: pageSize})
		if err != nil {
			return nil, fmt.Errorf("query %s links: %w", filter, err)
		}
		for _, link := range links {
			instances, err := e.store.InstancesForLink(ctx, link.ID)
			if err != nil {
				return nil, fmt.Errorf("list instances of link %d: %w", link.ID, err)
			}
			entries = append(entries, newEntry(link, instances))
		}
		if len(links) == 0 || page*pageSize >= total {
			return entries, nil
		}
	}
}

func newEntry(link linkcheck.Link, instances []linkcheck.Instance) Entry {
	if instances == nil {
		instances = []linkcheck.Instance{}
	}
	return Entry{
		ID:           link.ID,
		URL:          link.URL,
		FinalURL:     link.FinalURL,
		Status:       link.Status(),
		HTTPCode:     link.HTTPCode,
		StatusText:   link.StatusText,
		CheckCount:   link.CheckCount,
		FirstFailure: optionalTime(link.FirstFailure),
		LastCheck:    optionalTime(link.LastCheck),
		Instances:    instances,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// ObjectPath names the report object for a generation time.
func ObjectPath(generated time.Time) string {
	return path.Join("linkcheck", generated.UTC().Format("2006/01/02"),
		"report-"+generated.UTC().Format("20060102T150405Z")+".json")
}

// Export builds a report and writes it, returning the object URI.
func (e *Exporter) Export(ctx context.Context) (string, Report, error) {
	rep, err := e.Build(ctx)
	if err != nil {
		return "", Report{}, err
	}
	body, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", Report{}, fmt.Errorf("marshal report: %w", err)
	}
	uri, err := e.blobs.PutObject(ctx, ObjectPath(rep.GeneratedAt), "application/json", bytes.NewReader(body))
	if err != nil {
		return "", Report{}, fmt.Errorf("write report: %w", err)
	}
	e.logger.Info("report exported",
		zap.String("uri", uri),
		zap.Int("broken", len(rep.Broken)),
		zap.Int("warnings", len(rep.Warnings)),
	)
	return uri, rep, nil
}
