// Package pipeline orchestrates a batch run: extract rows in parallel,
// resolve and merge fragments in deterministic row order, then commit the
// whole working graph or nothing.
//
// The prior pool is cloned before any row is touched; a fatal error at any
// point (key collision, unresolved orphan reference, invariant violation)
// abandons the clone and leaves the committed pool exactly as it was.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tororo-hospice/datawash/internal/entity"
	"github.com/tororo-hospice/datawash/internal/extract"
	"github.com/tororo-hospice/datawash/internal/logging"
	"github.com/tororo-hospice/datawash/internal/merge"
	"github.com/tororo-hospice/datawash/internal/normalize"
	"github.com/tororo-hospice/datawash/internal/resolve"
	"github.com/tororo-hospice/datawash/internal/schema"
	"github.com/tororo-hospice/datawash/internal/store"
)

// Row is one raw submission: a source position, the form it was typed on,
// and the field values keyed by lowercase column name.
type Row struct {
	Source extract.RowRef    `json:"source"`
	Form   string            `json:"form"`
	Fields map[string]string `json:"fields"`
}

// Batch is the unit of atomic processing.
type Batch struct {
	ID   string `json:"id"`
	Rows []Row  `json:"rows"`
}

// Options configures an orchestrator.
type Options struct {
	Policy   *resolve.Policy
	Conflict merge.ConflictPolicy
	Actor    string

	// ExtractWorkers caps parallel extraction; <= 0 means 4.
	ExtractWorkers int

	// QuarantineOrphans keeps entities whose cross-row references never
	// resolved, flagged for review, instead of failing the batch.
	QuarantineOrphans bool

	// Now is replaceable for tests.
	Now func() time.Time
}

// OrphanRefError is the fatal form of an unresolved cross-row reference.
type OrphanRefError struct {
	Entity entity.Type
	ID     string
	Field  string
	Key    string
}

func (e *OrphanRefError) Error() string {
	return fmt.Sprintf("%s %s: reference %s=%q resolves to nothing in the batch or pool",
		e.Entity, e.ID, e.Field, e.Key)
}

// ReviewItem is one entry in the manual review queue.
type ReviewItem struct {
	Entity     entity.Type `json:"entity_type"`
	ID         string      `json:"entity_id"`
	Source     string      `json:"source"`
	Reason     string      `json:"reason"`
	Candidates []string    `json:"candidates,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
}

// Report summarizes one batch run. It is the surface for every non-fatal
// issue; fatal issues are returned as errors and nothing commits.
type Report struct {
	BatchID        string              `json:"batch_id"`
	StartedAt      time.Time           `json:"started_at"`
	FinishedAt     time.Time           `json:"finished_at"`
	RowsProcessed  int                 `json:"rows_processed"`
	RowsRejected   int                 `json:"rows_rejected"`
	RejectReasons  map[string]int      `json:"reject_reasons,omitempty"`
	WarningCounts  map[string]int      `json:"warning_counts,omitempty"`
	Created        map[entity.Type]int `json:"entities_created"`
	Updated        map[entity.Type]int `json:"entities_updated"`
	ReviewRequired []ReviewItem        `json:"review_required,omitempty"`
	Provenance     []merge.Provenance  `json:"provenance,omitempty"`
	Committed      bool                `json:"committed"`
}

// Orchestrator runs batches against one store.
type Orchestrator struct {
	store  store.Store
	engine *merge.Engine
	opts   Options
}

func New(st store.Store, opts Options) (*Orchestrator, error) {
	if opts.Policy == nil {
		opts.Policy = resolve.DefaultPolicy()
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	if opts.Conflict == "" {
		opts.Conflict = merge.PreferLatestTimestamp
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ExtractWorkers <= 0 {
		opts.ExtractWorkers = 4
	}
	engine, err := merge.NewEngine(opts.Conflict, opts.Actor)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{store: st, engine: engine, opts: opts}, nil
}

type rowResult struct {
	row      Row
	frags    []*extract.Fragment
	warnings []normalize.Warning
	rejected bool
	reason   string
}

// deferredRef is a cross-row reference that did not resolve during the row
// pass, retried once every row has been applied.
type deferredRef struct {
	entityType entity.Type
	entityID   string
	ref        extract.Ref
	source     extract.RowRef
}

// Run processes one batch end to end. The returned report is non-nil
// whenever processing started, even if the commit failed.
func (o *Orchestrator) Run(ctx context.Context, batch Batch) (*Report, error) {
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	log := logging.FromContext(ctx).With("batch_id", batch.ID)
	report := &Report{
		BatchID:       batch.ID,
		StartedAt:     o.opts.Now().UTC(),
		RejectReasons: map[string]int{},
		WarningCounts: map[string]int{},
		Created:       map[entity.Type]int{},
		Updated:       map[entity.Type]int{},
	}
	log.Info("batch started", "rows", len(batch.Rows))

	prior, err := o.store.LoadPool(ctx)
	if err != nil {
		return nil, fmt.Errorf("load prior pool: %w", err)
	}
	working := prior.Clone()
	pool, err := resolve.NewPool(working, o.opts.Policy)
	if err != nil {
		// Collisions in prior data are fatal before any row is touched.
		return nil, err
	}
	resolver := resolve.NewResolver(pool, o.opts.Policy)

	results, err := o.extractAll(ctx, batch.Rows)
	if err != nil {
		return nil, err
	}

	var deferred []deferredRef
	for _, res := range results {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, w := range res.warnings {
			report.WarningCounts[w.Code]++
		}
		if res.rejected {
			report.RowsRejected++
			report.RejectReasons[res.reason]++
			continue
		}
		if len(res.frags) == 0 {
			report.RowsRejected++
			report.RejectReasons["no_identifiable_entity"]++
			continue
		}
		d, err := o.applyRow(resolver, pool, res, report)
		if err != nil {
			return nil, err
		}
		deferred = append(deferred, d...)
		report.RowsProcessed++
	}

	if err := o.settleDeferred(resolver, pool, deferred, report); err != nil {
		return nil, err
	}

	if err := working.Validate(); err != nil {
		return nil, fmt.Errorf("batch invariant check: %w", err)
	}

	report.FinishedAt = o.opts.Now().UTC()
	report.Committed = true
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	snap := store.Snapshot{BatchID: batch.ID, Graph: working, Report: reportJSON}
	if err := o.store.CommitBatch(ctx, snap); err != nil {
		report.Committed = false
		return report, fmt.Errorf("commit batch: %w", err)
	}

	log.Info("batch committed",
		"rows_processed", report.RowsProcessed,
		"rows_rejected", report.RowsRejected,
		"review_required", len(report.ReviewRequired),
	)
	return report, nil
}

// extractAll runs extraction over all rows concurrently. Extraction is
// stateless, so order of execution does not matter; results keep row order.
func (o *Orchestrator) extractAll(ctx context.Context, rows []Row) ([]rowResult, error) {
	results := make([]rowResult, len(rows))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.ExtractWorkers)
	now := o.opts.Now().UTC()

	for i, row := range rows {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res := rowResult{row: row}
			form, ok := schema.Get(row.Form)
			if !ok {
				res.rejected = true
				res.reason = "unknown_form"
			} else {
				res.frags, res.warnings, res.rejected = extract.Extract(row.Source, row.Fields, form, now)
				if res.rejected {
					res.reason = "required_field_missing"
				}
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// applyRow resolves and merges every fragment of one row, in dependency
// order. Same-row references resolve through the locals table; cross-row
// match-key references that fail here are deferred, not fatal yet.
func (o *Orchestrator) applyRow(resolver *resolve.Resolver, pool *resolve.Pool, res rowResult, report *Report) ([]deferredRef, error) {
	locals := map[string]string{}
	var deferred []deferredRef

	for _, frag := range res.frags {
		match := resolver.Resolve(frag)

		refs := map[string]string{}
		var pending []extract.Ref
		for _, ref := range frag.Refs {
			switch {
			case ref.Local != "":
				id, ok := locals[ref.Local]
				if !ok {
					return nil, fmt.Errorf("row %s: fragment %s references unknown local %q",
						res.row.Source, frag.Local, ref.Local)
				}
				refs[ref.Field] = id
			case ref.MatchKey != "":
				target, err := resolver.ResolveRef(ref)
				if err != nil {
					pending = append(pending, ref)
					continue
				}
				refs[ref.Field] = target.Meta().ID
			}
		}

		var id string
		switch match.Decision {
		case resolve.DecisionMatch:
			prov, err := o.engine.Apply(match.Existing, frag, refs)
			if err != nil {
				return nil, fmt.Errorf("row %s: merge into %s %s: %w",
					res.row.Source, frag.Type, match.ID, err)
			}
			if err := pool.Reindex(match.Existing); err != nil {
				return nil, err
			}
			id = match.ID
			if prov.Applied && (len(prov.Fields) > 0 || len(prov.Conflicts) > 0) {
				report.Updated[frag.Type]++
			}
			report.Provenance = append(report.Provenance, *prov)

		case resolve.DecisionNew:
			id = merge.NewID()
			rec, prov, err := o.engine.Create(frag, id, refs)
			if err != nil {
				return nil, fmt.Errorf("row %s: create %s: %w", res.row.Source, frag.Type, err)
			}
			if match.ReviewRequired {
				rec.Meta().SetMeta("review_required", true)
				rec.Meta().SetMeta("review_candidates", match.Ambiguous)
				report.ReviewRequired = append(report.ReviewRequired, ReviewItem{
					Entity:     frag.Type,
					ID:         id,
					Source:     res.row.Source.String(),
					Reason:     "ambiguous_match",
					Candidates: match.Ambiguous,
					Confidence: match.Confidence,
				})
			}
			if err := pool.Insert(rec); err != nil {
				return nil, err
			}
			report.Created[frag.Type]++
			report.Provenance = append(report.Provenance, *prov)
		}

		locals[frag.Local] = id
		for _, ref := range pending {
			deferred = append(deferred, deferredRef{
				entityType: frag.Type,
				entityID:   id,
				ref:        ref,
				source:     frag.Source,
			})
		}
	}
	return deferred, nil
}

// settleDeferred retries cross-row references after every row has been
// applied, so a treatment may reference a supply batch that arrived later in
// the same batch. A reference that still resolves to nothing either fails
// the batch or quarantines the entity, per configuration.
func (o *Orchestrator) settleDeferred(resolver *resolve.Resolver, pool *resolve.Pool, deferred []deferredRef, report *Report) error {
	for _, d := range deferred {
		rec, ok := pool.Get(d.entityType, d.entityID)
		if !ok {
			return fmt.Errorf("deferred reference holder %s %s missing from pool", d.entityType, d.entityID)
		}
		target, err := resolver.ResolveRef(d.ref)
		if err == nil {
			setRefField(rec, d.ref.Field, target.Meta().ID)
			continue
		}
		if !o.opts.QuarantineOrphans {
			return &OrphanRefError{Entity: d.entityType, ID: d.entityID, Field: d.ref.Field, Key: d.ref.MatchKey}
		}
		rec.Meta().SetMeta("review_required", true)
		rec.Meta().SetMeta("unresolved_ref."+d.ref.Field, d.ref.MatchKey)
		report.ReviewRequired = append(report.ReviewRequired, ReviewItem{
			Entity: d.entityType,
			ID:     d.entityID,
			Source: d.source.String(),
			Reason: "orphan_reference",
		})
	}
	return nil
}

// setRefField installs a late-resolved reference id. Only optional
// references can be deferred, and only treatments declare one today.
func setRefField(rec entity.Record, field, id string) {
	if t, ok := rec.(*entity.Treatment); ok && field == "supply_id" && t.SupplyID == "" {
		t.SupplyID = id
	}
}

// ReviewQueue lists every entity in the graph flagged for manual review.
func ReviewQueue(g *entity.Graph) []ReviewItem {
	var items []ReviewItem
	for _, rec := range g.All() {
		meta := rec.Meta().Metadata
		if flagged, ok := meta["review_required"].(bool); !ok || !flagged {
			continue
		}
		item := ReviewItem{Entity: rec.EntityType(), ID: rec.Meta().ID}
		switch {
		case meta["review_candidates"] != nil:
			item.Reason = "ambiguous_match"
			item.Candidates = stringList(meta["review_candidates"])
		default:
			item.Reason = "orphan_reference"
		}
		items = append(items, item)
	}
	return items
}

func stringList(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
