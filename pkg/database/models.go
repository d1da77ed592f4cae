package database

import (
	"time"

	"github.com/uptrace/bun"
)

// SearchRecord is the permanent log of one completed search.
type SearchRecord struct {
	bun.BaseModel `bun:"table:search_records"`

	ID            int64     `bun:"id,pk,autoincrement"`
	Start         string    `bun:"start,notnull"`
	End           string    `bun:"end,notnull"`
	ResolvedStart string    `bun:"resolved_start,notnull"`
	ResolvedEnd   string    `bun:"resolved_end,notnull"`
	Success       bool      `bun:"success,notnull"`
	PagesChecked  int64     `bun:"pages_checked,notnull"`
	ElapsedMs     int64     `bun:"elapsed_ms,notnull"`
	PathSet       string    `bun:"path_set,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

// PathSegment is one durable cache entry: a reusable path keyed by its
// endpoints. Titles holds the full title list JSON-encoded; Hops is its edge
// count, kept denormalized for replace-only-if-not-longer decisions.
type PathSegment struct {
	bun.BaseModel `bun:"table:path_segments"`

	ID        int64     `bun:"id,pk,autoincrement"`
	Start     string    `bun:"start,notnull"`
	End       string    `bun:"end,notnull"`
	Titles    string    `bun:"titles,notnull"`
	Hops      int       `bun:"hops,notnull"`
	UseCount  int64     `bun:"use_count,notnull"`
	LastUsed  time.Time `bun:"last_used,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

// CreateSearchRecordParams holds parameters for creating a search record.
type CreateSearchRecordParams struct {
	Start         string
	End           string
	ResolvedStart string
	ResolvedEnd   string
	Success       bool
	PagesChecked  int64
	ElapsedMs     int64
	PathSet       string
}

// UpsertSegmentParams holds parameters for storing one segment.
type UpsertSegmentParams struct {
	Start  string
	End    string
	Titles string
	Hops   int
}
