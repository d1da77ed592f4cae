// Package events defines the typed event stream a search emits to its single
// subscriber. Events are serialized as JSON objects carrying a "type"
// discriminant and streamed as line-delimited frames.
package events

// Kind discriminates the event variants on the wire.
type Kind string

const (
	KindStart     Kind = "start"
	KindResolving Kind = "resolving"
	KindResolved  Kind = "resolved"
	KindProgress  Kind = "progress"
	KindPathFound Kind = "path_found"
	KindComplete  Kind = "complete"
	KindError     Kind = "error"
	KindKeepAlive Kind = "keepalive"
)

// ErrorKind is the public error surface; every failure maps to one of these.
type ErrorKind string

const (
	ErrInvalidInput        ErrorKind = "InvalidInput"
	ErrTitleUnknown        ErrorKind = "TitleUnknown"
	ErrUpstreamUnavailable ErrorKind = "UpstreamUnavailable"
	ErrNoPath              ErrorKind = "NoPath"
	ErrTimedOut            ErrorKind = "TimedOut"
	ErrInternal            ErrorKind = "Internal"
)

// Event is one element of the stream. Implementations are the variant
// structs below; each serializes with its own payload fields.
type Event interface {
	Kind() Kind
}

// Start announces the request that is about to run.
type Start struct {
	Type         Kind    `json:"type"`
	ID           string  `json:"id"`
	StartTitle   string  `json:"start"`
	EndTitle     string  `json:"end"`
	MaxPaths     int     `json:"max_paths"`
	MinDiversity float64 `json:"min_diversity"`
}

func (Start) Kind() Kind { return KindStart }

// NewStart returns a start event with the discriminant set.
func NewStart(id, start, end string, maxPaths int, minDiversity float64) Start {
	return Start{
		Type:         KindStart,
		ID:           id,
		StartTitle:   start,
		EndTitle:     end,
		MaxPaths:     maxPaths,
		MinDiversity: minDiversity,
	}
}

// Resolving carries a human-readable progress message during resolution.
type Resolving struct {
	Type    Kind   `json:"type"`
	Message string `json:"message"`
}

func (Resolving) Kind() Kind { return KindResolving }

func NewResolving(message string) Resolving {
	return Resolving{Type: KindResolving, Message: message}
}

// Resolved carries the canonical titles after redirect following.
type Resolved struct {
	Type       Kind   `json:"type"`
	StartTitle string `json:"start"`
	EndTitle   string `json:"end"`
}

func (Resolved) Kind() Kind { return KindResolved }

func NewResolved(start, end string) Resolved {
	return Resolved{Type: KindResolved, StartTitle: start, EndTitle: end}
}

// Progress reports search telemetry after each frontier expansion. Progress
// events are the only variant the stream may drop under back-pressure.
type Progress struct {
	Type           Kind    `json:"type"`
	ForwardDepth   int     `json:"forward_depth"`
	BackwardDepth  int     `json:"backward_depth"`
	PagesChecked   int     `json:"pages_checked"`
	PagesPerSecond float64 `json:"pages_per_second"`
	ElapsedMs      int64   `json:"elapsed_ms"`
}

func (Progress) Kind() Kind { return KindProgress }

func NewProgress(forwardDepth, backwardDepth, pagesChecked int, pagesPerSecond float64, elapsedMs int64) Progress {
	return Progress{
		Type:           KindProgress,
		ForwardDepth:   forwardDepth,
		BackwardDepth:  backwardDepth,
		PagesChecked:   pagesChecked,
		PagesPerSecond: pagesPerSecond,
		ElapsedMs:      elapsedMs,
	}
}

// PathFound announces one accepted path.
type PathFound struct {
	Type         Kind     `json:"type"`
	Path         []string `json:"path"`
	MeetingPoint string   `json:"meeting_point"`
	Length       int      `json:"length"`
	Index        int      `json:"index"`
}

func (PathFound) Kind() Kind { return KindPathFound }

func NewPathFound(path []string, meetingPoint string, index int) PathFound {
	return PathFound{
		Type:         KindPathFound,
		Path:         path,
		MeetingPoint: meetingPoint,
		Length:       len(path) - 1,
		Index:        index,
	}
}

// Stats summarizes a finished search.
type Stats struct {
	PagesChecked int   `json:"pages_checked"`
	ElapsedMs    int64 `json:"elapsed_ms"`
	CacheHit     bool  `json:"cache_hit"`
	Partial      bool  `json:"partial,omitempty"`
}

// Complete is the final event of a successful search.
type Complete struct {
	Type    Kind       `json:"type"`
	PathSet [][]string `json:"pathSet"`
	Graph   any        `json:"mergedGraph"`
	Stats   Stats      `json:"stats"`
}

func (Complete) Kind() Kind { return KindComplete }

func NewComplete(pathSet [][]string, graph any, stats Stats) Complete {
	return Complete{Type: KindComplete, PathSet: pathSet, Graph: graph, Stats: stats}
}

// Error is the final event of a failed search.
type Error struct {
	Type      Kind      `json:"type"`
	ErrorKind ErrorKind `json:"kind"`
	Message   string    `json:"message"`
}

func (Error) Kind() Kind { return KindError }

func NewError(kind ErrorKind, message string) Error {
	return Error{Type: KindError, ErrorKind: kind, Message: message}
}

// KeepAlive is an empty frame sent during long silences.
type KeepAlive struct {
	Type Kind `json:"type"`
}

func (KeepAlive) Kind() Kind { return KindKeepAlive }

func NewKeepAlive() KeepAlive { return KeepAlive{Type: KindKeepAlive} }

// IsTerminal reports whether the event ends the stream.
func IsTerminal(ev Event) bool {
	k := ev.Kind()

	return k == KindComplete || k == KindError
}
