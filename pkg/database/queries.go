package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// CreateSearchRecord appends one search record and returns it with its
// assigned identifier.
func (d *DB) CreateSearchRecord(ctx context.Context, params CreateSearchRecordParams) (*SearchRecord, error) {
	rec := &SearchRecord{
		Start:         params.Start,
		End:           params.End,
		ResolvedStart: params.ResolvedStart,
		ResolvedEnd:   params.ResolvedEnd,
		Success:       params.Success,
		PagesChecked:  params.PagesChecked,
		ElapsedMs:     params.ElapsedMs,
		PathSet:       params.PathSet,
		CreatedAt:     time.Now().UTC(),
	}

	if _, err := d.bun.NewInsert().Model(rec).Returning("id").Exec(ctx); err != nil {
		return nil, fmt.Errorf("error inserting the search record: %w", err)
	}

	return rec, nil
}

// ListSearchRecords returns the most recent records, newest first.
func (d *DB) ListSearchRecords(ctx context.Context, limit int) ([]SearchRecord, error) {
	var recs []SearchRecord

	err := d.bun.NewSelect().
		Model(&recs).
		OrderExpr("id DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing the search records: %w", err)
	}

	return recs, nil
}

// SearchStats aggregates the search record log.
type SearchStats struct {
	Total        int64   `json:"total"`
	Successful   int64   `json:"successful"`
	AvgElapsedMs float64 `json:"avg_elapsed_ms"`
}

// GetSearchStats returns aggregate counters over all search records.
func (d *DB) GetSearchStats(ctx context.Context) (SearchStats, error) {
	var stats SearchStats

	err := d.bun.NewSelect().
		Model((*SearchRecord)(nil)).
		ColumnExpr("COUNT(*) AS total").
		ColumnExpr("COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS successful").
		ColumnExpr("COALESCE(AVG(elapsed_ms), 0) AS avg_elapsed_ms").
		Scan(ctx, &stats.Total, &stats.Successful, &stats.AvgElapsedMs)
	if err != nil {
		return stats, fmt.Errorf("error aggregating the search records: %w", err)
	}

	return stats, nil
}

// GetSegment returns the segment stored for the given endpoints, or
// ErrNotFound.
func (d *DB) GetSegment(ctx context.Context, start, end string) (*PathSegment, error) {
	seg := new(PathSegment)

	err := d.bun.NewSelect().
		Model(seg).
		Where("? = ?", bun.Ident("start"), start).
		Where("? = ?", bun.Ident("end"), end).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: segment (%s, %s)", ErrNotFound, start, end)
		}

		return nil, fmt.Errorf("error getting the segment: %w", err)
	}

	return seg, nil
}

// UpsertSegment stores one segment. An existing segment for the same
// endpoints is replaced only if the new path is no longer than the stored
// one; its use-count and last-used are refreshed either way.
func (d *DB) UpsertSegment(ctx context.Context, params UpsertSegmentParams) error {
	return d.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return upsertSegmentTx(ctx, tx, params)
	})
}

// UpsertSegments stores a batch of segments in a single transaction. This is
// the write path of the durable-tier flusher.
func (d *DB) UpsertSegments(ctx context.Context, batch []UpsertSegmentParams) error {
	if len(batch) == 0 {
		return nil
	}

	return d.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, params := range batch {
			if err := upsertSegmentTx(ctx, tx, params); err != nil {
				return err
			}
		}

		return nil
	})
}

func upsertSegmentTx(ctx context.Context, tx bun.Tx, params UpsertSegmentParams) error {
	now := time.Now().UTC()

	existing := new(PathSegment)

	err := tx.NewSelect().
		Model(existing).
		Where("? = ?", bun.Ident("start"), params.Start).
		Where("? = ?", bun.Ident("end"), params.End).
		Limit(1).
		Scan(ctx)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		seg := &PathSegment{
			Start:     params.Start,
			End:       params.End,
			Titles:    params.Titles,
			Hops:      params.Hops,
			UseCount:  1,
			LastUsed:  now,
			CreatedAt: now,
		}

		if _, err := tx.NewInsert().Model(seg).Exec(ctx); err != nil {
			// A concurrent writer may have inserted the same endpoints; the
			// segment exists either way.
			if IsDuplicateKeyError(err) {
				return nil
			}

			return fmt.Errorf("error inserting the segment: %w", err)
		}

		return nil

	case err != nil:
		return fmt.Errorf("error looking up the segment: %w", err)
	}

	q := tx.NewUpdate().
		Model((*PathSegment)(nil)).
		Set("use_count = use_count + 1").
		Set("? = ?", bun.Ident("last_used"), now).
		Where("id = ?", existing.ID)

	if params.Hops <= existing.Hops {
		q = q.
			Set("? = ?", bun.Ident("titles"), params.Titles).
			Set("? = ?", bun.Ident("hops"), params.Hops)
	}

	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("error updating the segment: %w", err)
	}

	return nil
}

// TouchSegment bumps the use-count and last-used timestamp of a segment.
func (d *DB) TouchSegment(ctx context.Context, start, end string) error {
	_, err := d.bun.NewUpdate().
		Model((*PathSegment)(nil)).
		Set("use_count = use_count + 1").
		Set("? = ?", bun.Ident("last_used"), time.Now().UTC()).
		Where("? = ?", bun.Ident("start"), start).
		Where("? = ?", bun.Ident("end"), end).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error touching the segment: %w", err)
	}

	return nil
}

// DeleteSegment removes the segment for the given endpoints, if present.
func (d *DB) DeleteSegment(ctx context.Context, start, end string) error {
	_, err := d.bun.NewDelete().
		Model((*PathSegment)(nil)).
		Where("? = ?", bun.Ident("start"), start).
		Where("? = ?", bun.Ident("end"), end).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error deleting the segment: %w", err)
	}

	return nil
}

// RecentSegments returns up to limit segments, most recently used first.
// This is the warm-start read.
func (d *DB) RecentSegments(ctx context.Context, limit int) ([]PathSegment, error) {
	var segs []PathSegment

	err := d.bun.NewSelect().
		Model(&segs).
		OrderExpr("last_used DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error loading the recent segments: %w", err)
	}

	return segs, nil
}

// CountSegments returns the number of durable segments.
func (d *DB) CountSegments(ctx context.Context) (int, error) {
	n, err := d.bun.NewSelect().Model((*PathSegment)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("error counting the segments: %w", err)
	}

	return n, nil
}

// CompactSegments removes segments last used before cutoff, then trims the
// table to at most keep rows, discarding the least recently used first. It
// returns the number of rows removed.
func (d *DB) CompactSegments(ctx context.Context, cutoff time.Time, keep int) (int64, error) {
	var removed int64

	res, err := d.bun.NewDelete().
		Model((*PathSegment)(nil)).
		Where("? < ?", bun.Ident("last_used"), cutoff).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("error expiring old segments: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

	// The derived table keeps this portable: MySQL rejects deleting from a
	// table selected in a direct subquery.
	res, err = d.bun.NewDelete().
		Model((*PathSegment)(nil)).
		Where(
			"id NOT IN (SELECT id FROM (SELECT id FROM path_segments ORDER BY last_used DESC LIMIT ?) AS keep)",
			keep,
		).
		Exec(ctx)
	if err != nil {
		return removed, fmt.Errorf("error trimming the segments: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

	return removed, nil
}
