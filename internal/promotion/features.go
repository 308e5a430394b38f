package promotion

import (
	"strings"
	"time"

	"github.com/shannon-memory/memengine/internal/types"
)

// Features is the shared schema every scorer is trained and evaluated
// against. A feature vector is derived purely from a Record and a small
// amount of context the caller already has to hand (co-occurring records,
// a user-preference signal) — nothing here requires a network call.
type Features struct {
	AgeHours           float64
	AccessRecency      float64
	AccessFrequency    float64
	SemanticImportance float64
	KeywordDensity     float64
	TopicRelevance     float64
	SessionImportance  float64
	LayerAffinity      float64
	CoOccurrence       float64
	UserPreference     float64
}

// Context carries the contextual signals a feature extraction needs beyond
// the record itself. Zero values for CoOccurrence/UserPreference are
// replaced by the neutral default (0.5) per the scoring contract.
type Context struct {
	Now            time.Time
	Keywords       []string
	Topic          string
	SessionWeight  float64
	CoOccurrence   *float64
	UserPreference *float64
}

// keywordWeights is a small static table used to compute semantic_importance
// and keyword_density; a real deployment would source this from a trained
// vocabulary, but the feature schema only requires a weighted keyword
// score, not a particular source for the weights.
var keywordWeights = map[string]float64{
	"error":    0.9,
	"critical": 0.95,
	"decision": 0.8,
	"important": 0.85,
	"todo":     0.4,
	"question": 0.5,
}

// Extract derives a Features vector for rec at the instant in ctx.Now.
func Extract(rec *types.Record, ctx Context) Features {
	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}

	ageHours := now.Sub(rec.Timestamp).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	ageDays := ageHours / 24
	if ageDays < 1.0/24 {
		ageDays = 1.0 / 24
	}

	hoursSinceAccess := now.Sub(rec.LastAccess).Hours()
	if rec.LastAccess.IsZero() {
		hoursSinceAccess = ageHours
	}
	if hoursSinceAccess < 0 {
		hoursSinceAccess = 0
	}
	accessRecency := 1.0 / (1.0 + hoursSinceAccess)
	accessFrequency := float64(rec.AccessCount) / ageDays

	semanticImportance, keywordDensity := keywordScore(rec.Text, ctx.Keywords)
	topicRelevance := 0.0
	if ctx.Topic != "" && strings.Contains(strings.ToLower(rec.Text), strings.ToLower(ctx.Topic)) {
		topicRelevance = 1.0
	}

	layerAffinity := layerAffinityFor(rec.Layer)

	co := 0.5
	if ctx.CoOccurrence != nil {
		co = *ctx.CoOccurrence
	}
	pref := 0.5
	if ctx.UserPreference != nil {
		pref = *ctx.UserPreference
	}

	return Features{
		AgeHours:           ageHours,
		AccessRecency:      accessRecency,
		AccessFrequency:    accessFrequency,
		SemanticImportance: semanticImportance,
		KeywordDensity:     keywordDensity,
		TopicRelevance:     topicRelevance,
		SessionImportance:  clamp01(ctx.SessionWeight),
		LayerAffinity:      layerAffinity,
		CoOccurrence:       co,
		UserPreference:     pref,
	}
}

func keywordScore(text string, extra []string) (importance, density float64) {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return 0, 0
	}
	hits := 0.0
	weightSum := 0.0
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:\"'()")
		if weight, ok := keywordWeights[w]; ok {
			weightSum += weight
			hits++
			continue
		}
		for _, k := range extra {
			if w == strings.ToLower(k) {
				weightSum += 0.6
				hits++
				break
			}
		}
	}
	density = hits / float64(len(words))
	if hits == 0 {
		return 0, density
	}
	return clamp01(weightSum / hits), density
}

// layerAffinityFor rises with the tier: Interact 0.4, Insights 0.7,
// Assets 0.9.
func layerAffinityFor(l types.Layer) float64 {
	switch l {
	case types.Interact:
		return 0.4
	case types.Insights:
		return 0.7
	default:
		return 0.9
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Vector flattens Features into the fixed-order slice the scorers operate
// on, grouped temporal/usage/semantic/contextual to match the index groups
// the scorers select from.
func (f Features) Vector() []float64 {
	return []float64{
		f.AgeHours / 720, // normalize against a 30-day horizon
		f.AccessRecency,
		f.AccessFrequency,
		f.SemanticImportance,
		f.KeywordDensity,
		f.TopicRelevance,
		f.SessionImportance,
		f.LayerAffinity,
		f.CoOccurrence,
		f.UserPreference,
	}
}

// FeatureNames names Vector's components in order, used for logging and
// the admin/inspection surface.
var FeatureNames = []string{
	"age_hours", "access_recency", "access_frequency", "semantic_importance",
	"keyword_density", "topic_relevance", "session_importance", "layer_affinity",
	"co_occurrence", "user_preference",
}
