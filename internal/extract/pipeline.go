package extract

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
	"github.com/JakeFAU/linkcheck/internal/logging"
	"github.com/JakeFAU/linkcheck/internal/metrics"
)

// ContainerType maps each parseable field of a container type to its format.
// Only containers in one of Statuses are parsed; none means every status.
type ContainerType struct {
	Name     string
	Fields   map[string]string
	Statuses []string
}

// Pipeline turns containers into instances and writes them to the link store.
type Pipeline struct {
	types   map[string]ContainerType
	parsers *Registry
	content linkcheck.ContentStore
	store   linkcheck.LinkStore
	baseURL string
	clock   linkcheck.Clock
	logger  *zap.Logger
}

// NewPipeline builds a Pipeline. Relative URLs resolve against baseURL.
func NewPipeline(types []ContainerType, parsers *Registry, content linkcheck.ContentStore, store linkcheck.LinkStore, baseURL string, clock linkcheck.Clock, logger *zap.Logger) *Pipeline {
	if parsers == nil {
		parsers = DefaultRegistry()
	}
	byName := make(map[string]ContainerType, len(types))
	for _, ct := range types {
		byName[ct.Name] = ct
	}
	return &Pipeline{
		types:   byName,
		parsers: parsers,
		content: content,
		store:   store,
		baseURL: baseURL,
		clock:   clock,
		logger:  logging.OrNop(logger).Named("extract"),
	}
}

// ContainerTypes lists the registered container type names, sorted.
func (p *Pipeline) ContainerTypes() []string {
	names := make([]string, 0, len(p.types))
	for name := range p.types {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ParserTypes lists the parser types that handle at least one configured
// field, sorted. Links found only by other parsers are not checked.
func (p *Pipeline) ParserTypes() []string {
	seen := make(map[string]bool)
	for _, ct := range p.types {
		for _, format := range ct.Fields {
			for _, np := range p.parsers.ForFormat(format) {
				seen[np.Name] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Extract runs every applicable parser over every field of the container.
// Running it twice on unchanged content yields the same instances.
func (p *Pipeline) Extract(ctx context.Context, ref linkcheck.ContainerRef) ([]linkcheck.Instance, error) {
	ct, ok := p.types[ref.Type]
	if !ok {
		return nil, fmt.Errorf("extract %s: %w", ref, linkcheck.ErrUnknownContainerType)
	}

	fields := make([]string, 0, len(ct.Fields))
	for field := range ct.Fields {
		fields = append(fields, field)
	}
	slices.Sort(fields)

	var out []linkcheck.Instance
	for _, field := range fields {
		format := ct.Fields[field]
		parsers := p.parsers.ForFormat(format)
		if len(parsers) == 0 {
			p.logger.Warn("no parser for field format",
				zap.String("container_type", ref.Type),
				zap.String("field", field),
				zap.String("format", format),
			)
			continue
		}
		raw, err := p.content.FieldValue(ctx, ref, field)
		if err != nil {
			return nil, fmt.Errorf("read %s.%s: %w", ref, field, err)
		}
		for _, np := range parsers {
			for _, inst := range np.Parser.Parse(raw, p.baseURL) {
				inst.Container = ref
				inst.Field = field
				inst.ParserType = np.Name
				out = append(out, inst)
			}
		}
	}
	return out, nil
}

// Synch extracts the container and replaces its stored instances in one
// transaction, marking it synched. A container that no longer exists in the
// content store, or whose status is not enabled, is removed from the link
// store instead.
func (p *Pipeline) Synch(ctx context.Context, ref linkcheck.ContainerRef) (int, error) {
	start := time.Now()
	enabled, err := p.statusEnabled(ctx, ref)
	if err != nil && !errors.Is(err, linkcheck.ErrNotFound) {
		return 0, err
	}
	var instances []linkcheck.Instance
	if err == nil && enabled {
		instances, err = p.Extract(ctx, ref)
	}
	switch {
	case errors.Is(err, linkcheck.ErrNotFound), err == nil && !enabled:
		p.logger.Debug("container gone or disabled, dropping", zap.Stringer("container", ref))
		if err := p.store.DeleteContainers(ctx, []linkcheck.ContainerRef{ref}); err != nil {
			return 0, fmt.Errorf("delete container %s: %w", ref, err)
		}
		return 0, nil
	case err != nil:
		return 0, err
	}

	if err := p.store.ReplaceInstances(ctx, ref, instances, p.clock.Now()); err != nil {
		return 0, fmt.Errorf("replace instances of %s: %w", ref, err)
	}
	metrics.ObserveContainerSynced()
	p.logger.Debug("container synched",
		zap.Stringer("container", ref),
		zap.Int("instances", len(instances)),
		zap.Duration("took", time.Since(start)),
	)
	return len(instances), nil
}

// statusEnabled reports whether the container's current status is one its
// type is checked in.
func (p *Pipeline) statusEnabled(ctx context.Context, ref linkcheck.ContainerRef) (bool, error) {
	ct, ok := p.types[ref.Type]
	if !ok {
		return false, fmt.Errorf("synch %s: %w", ref, linkcheck.ErrUnknownContainerType)
	}
	status, err := p.content.Status(ctx, ref)
	if err != nil {
		return false, fmt.Errorf("read status of %s: %w", ref, err)
	}
	return len(ct.Statuses) == 0 || slices.Contains(ct.Statuses, status), nil
}

// EditInstance rewrites the instance's field so the link points at newURL.
func (p *Pipeline) EditInstance(ctx context.Context, inst linkcheck.Instance, newURL string) error {
	return p.rewrite(ctx, inst, func(parser Parser, raw string) (string, error) {
		return parser.Edit(raw, inst, newURL)
	})
}

// UnlinkInstance removes the link from the instance's field, keeping its text.
func (p *Pipeline) UnlinkInstance(ctx context.Context, inst linkcheck.Instance) error {
	return p.rewrite(ctx, inst, func(parser Parser, raw string) (string, error) {
		return parser.Unlink(raw, inst)
	})
}

func (p *Pipeline) rewrite(ctx context.Context, inst linkcheck.Instance, fn func(Parser, string) (string, error)) error {
	parser, ok := p.parsers.Get(inst.ParserType)
	if !ok {
		return fmt.Errorf("parser %q: %w", inst.ParserType, linkcheck.ErrNoParser)
	}
	raw, err := p.content.FieldValue(ctx, inst.Container, inst.Field)
	if err != nil {
		return fmt.Errorf("read %s.%s: %w", inst.Container, inst.Field, err)
	}
	updated, err := fn(parser, raw)
	if err != nil {
		return fmt.Errorf("rewrite %s.%s: %w", inst.Container, inst.Field, err)
	}
	if err := p.content.SetFieldValue(ctx, inst.Container, inst.Field, updated); err != nil {
		return fmt.Errorf("write %s.%s: %w", inst.Container, inst.Field, err)
	}
	return nil
}
