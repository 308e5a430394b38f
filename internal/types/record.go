// Package types holds the core domain model shared by every memory engine
// component: the Record, its tier (Layer), and small value types derived
// from it.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Layer is one of the three storage tiers a Record can occupy.
type Layer int

const (
	// Interact is the hot tier. Every new record lands here unless an
	// override is supplied. Short TTL, measured in hours.
	Interact Layer = iota
	// Insights is the warm tier, populated by promotion from Interact (or a
	// write whose Layer names it). Medium TTL, measured in days.
	Insights
	// Assets is the cold/durable tier, populated by promotion from Insights,
	// by Interact records scoring at or above the skip-to-Assets threshold,
	// or by a write whose Layer names it. No TTL.
	Assets
)

func (l Layer) String() string {
	switch l {
	case Interact:
		return "interact"
	case Insights:
		return "insights"
	case Assets:
		return "assets"
	default:
		return "unknown"
	}
}

// ParseLayer parses the string form produced by Layer.String.
func ParseLayer(s string) (Layer, bool) {
	switch s {
	case "interact":
		return Interact, true
	case "insights":
		return Insights, true
	case "assets":
		return Assets, true
	default:
		return Interact, false
	}
}

// Layers enumerates all tiers in promotion order.
var Layers = [3]Layer{Interact, Insights, Assets}

// Next returns the next-warmer tier and whether one exists.
func (l Layer) Next() (Layer, bool) {
	switch l {
	case Interact:
		return Insights, true
	case Insights:
		return Assets, true
	default:
		return Assets, false
	}
}

// Record is the unit of storage for the memory engine.
type Record struct {
	ID          uuid.UUID `json:"id"`
	Text        string    `json:"text"`
	Embedding   []float32 `json:"embedding"`
	Layer       Layer     `json:"layer"`
	Kind        string    `json:"kind"`
	Project     string    `json:"project"`
	Session     string    `json:"session"`
	Tags        []string  `json:"tags"`
	Timestamp   time.Time `json:"ts"`
	Score       float32   `json:"score"`
	AccessCount uint64    `json:"access_count"`
	LastAccess  time.Time `json:"last_access"`
}

// Clone returns a deep copy safe to hand to a caller outside the store's
// ownership boundary (e.g. cache entries, coordinator responses).
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Embedding != nil {
		out.Embedding = append([]float32(nil), r.Embedding...)
	}
	if r.Tags != nil {
		out.Tags = append([]string(nil), r.Tags...)
	}
	return &out
}

// HasTag reports whether the record carries tag t.
func (r *Record) HasTag(t string) bool {
	for _, tag := range r.Tags {
		if tag == t {
			return true
		}
	}
	return false
}

// HasAllTags reports whether the record carries every tag in want (AND
// semantics, matching the search filter contract).
func (r *Record) HasAllTags(want []string) bool {
	for _, t := range want {
		if !r.HasTag(t) {
			return false
		}
	}
	return true
}

// ScoredRecord pairs a Record with a similarity score produced by a search.
type ScoredRecord struct {
	Record *Record `json:"record"`
	Score  float32 `json:"score"`
}
