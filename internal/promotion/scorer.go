package promotion

import (
	"math"
	"math/rand"
)

// ScorerKind selects which pluggable scoring algorithm a Scorer registry
// constructs. Config names the scorer as a string; engine.New parses it
// into this enum once, so an unrecognized scorer name is rejected when the
// engine is built, not at the first promotion cycle.
type ScorerKind int

const (
	Frequency ScorerKind = iota
	Semantic
	Hybrid
)

func (k ScorerKind) String() string {
	switch k {
	case Frequency:
		return "frequency"
	case Semantic:
		return "semantic"
	case Hybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// ParseScorerKind parses the string form produced by ScorerKind.String.
func ParseScorerKind(s string) (ScorerKind, bool) {
	switch s {
	case "frequency":
		return Frequency, true
	case "semantic":
		return Semantic, true
	case "hybrid", "":
		return Hybrid, true
	default:
		return Hybrid, false
	}
}

// Sample is one labelled training example: a feature vector and its target
// class (1 = should promote, 0 = should not).
type Sample struct {
	Features Features
	Label    float64
}

// TrainConfig controls online minibatch SGD retraining.
type TrainConfig struct {
	LearningRate   float64
	L2Reg          float64
	BatchSize      int
	Epochs         int
	WeightClamp    float64 // weights are clamped to [-WeightClamp, WeightClamp]
	ValidationFrac float64 // fraction of samples held out for early stopping
	PatienceEpochs int
}

// DefaultTrainConfig matches the engine's default retraining tuning.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		LearningRate:   0.05,
		L2Reg:          0.001,
		BatchSize:      16,
		Epochs:         50,
		WeightClamp:    5.0,
		ValidationFrac: 0.2,
		PatienceEpochs: 5,
	}
}

// Scorer maps a Features vector to a promotion score in [0, 1] and supports
// online retraining from labelled samples. Frequency, Semantic, and Hybrid
// all share this same logistic-regression shape; they differ only in
// which components of the feature vector their groups select. Each
// selected component has its own weight and all share one bias; a group
// carries no weight of its own, so Hybrid's three groups only decide that
// it reads all ten components.
type Scorer struct {
	kind    ScorerKind
	weights []float64
	bias    float64
	groups  [][]int // index groups within Features.Vector() this scorer reads
}

// NewScorer builds a Scorer of the given kind with freshly initialized
// (small random) weights.
func NewScorer(kind ScorerKind) *Scorer {
	n := len(FeatureNames)
	s := &Scorer{kind: kind, weights: make([]float64, n)}
	rng := rand.New(rand.NewSource(1))
	for i := range s.weights {
		s.weights[i] = (rng.Float64() - 0.5) * 0.1
	}

	switch kind {
	case Frequency:
		// access_recency, access_frequency, age (inverse signal via
		// weighting, handled by sign during training) — indices 0,1,2.
		s.groups = [][]int{{0, 1, 2}}
	case Semantic:
		// semantic_importance, keyword_density, topic_relevance.
		s.groups = [][]int{{3, 4, 5}}
	default: // Hybrid
		s.groups = [][]int{
			{0, 1, 2},       // temporal/usage
			{3, 4, 5},       // semantic
			{6, 7, 8, 9},    // contextual
		}
	}
	return s
}

// Kind reports which algorithm this Scorer runs.
func (s *Scorer) Kind() ScorerKind { return s.kind }

func (s *Scorer) activeIndices() []int {
	var idx []int
	for _, g := range s.groups {
		idx = append(idx, g...)
	}
	return idx
}

// Score returns the logistic score for f, restricted to this scorer's
// active feature groups.
func (s *Scorer) Score(f Features) float64 {
	v := f.Vector()
	z := s.bias
	for _, i := range s.activeIndices() {
		z += s.weights[i] * v[i]
	}
	return sigmoid(z)
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}

// Train runs minibatch stochastic gradient descent with L2 regularization
// over samples, holding out TrainConfig.ValidationFrac of them for early
// stopping on validation accuracy, and clamps weights to
// [-WeightClamp, WeightClamp] after every update.
func (s *Scorer) Train(samples []Sample, cfg TrainConfig) {
	if len(samples) == 0 {
		return
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}

	shuffled := append([]Sample(nil), samples...)
	rng := rand.New(rand.NewSource(42))
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	valCount := int(float64(len(shuffled)) * cfg.ValidationFrac)
	if valCount >= len(shuffled) {
		valCount = len(shuffled) - 1
	}
	if valCount < 0 {
		valCount = 0
	}
	val := shuffled[:valCount]
	train := shuffled[valCount:]
	if len(train) == 0 {
		train = shuffled
	}

	bestWeights := append([]float64(nil), s.weights...)
	bestBias := s.bias
	bestAcc := s.accuracy(val)
	stale := 0

	active := s.activeIndices()

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		rng.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })

		for start := 0; start < len(train); start += cfg.BatchSize {
			end := start + cfg.BatchSize
			if end > len(train) {
				end = len(train)
			}
			batch := train[start:end]
			if len(batch) == 0 {
				continue
			}

			gradW := make(map[int]float64, len(active))
			gradB := 0.0
			for _, sample := range batch {
				v := sample.Features.Vector()
				pred := s.Score(sample.Features)
				errTerm := pred - sample.Label
				for _, i := range active {
					gradW[i] += errTerm * v[i]
				}
				gradB += errTerm
			}
			n := float64(len(batch))
			for _, i := range active {
				grad := gradW[i]/n + cfg.L2Reg*s.weights[i]
				s.weights[i] -= cfg.LearningRate * grad
				s.weights[i] = clampWeight(s.weights[i], cfg.WeightClamp)
			}
			s.bias -= cfg.LearningRate * (gradB / n)
			s.bias = clampWeight(s.bias, cfg.WeightClamp)
		}

		if len(val) == 0 {
			continue
		}
		acc := s.accuracy(val)
		if acc > bestAcc {
			bestAcc = acc
			bestWeights = append([]float64(nil), s.weights...)
			bestBias = s.bias
			stale = 0
		} else {
			stale++
			if stale >= cfg.PatienceEpochs {
				break
			}
		}
	}

	s.weights = bestWeights
	s.bias = bestBias
}

func (s *Scorer) accuracy(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	correct := 0
	for _, sample := range samples {
		pred := s.Score(sample.Features)
		predicted := 0.0
		if pred >= 0.5 {
			predicted = 1.0
		}
		if predicted == sample.Label {
			correct++
		}
	}
	return float64(correct) / float64(len(samples))
}

func clampWeight(w, bound float64) float64 {
	if w > bound {
		return bound
	}
	if w < -bound {
		return -bound
	}
	return w
}

// Registry constructs a Scorer for a ScorerKind, replacing a string-keyed
// factory with a typed enum lookup.
type Registry struct{}

// NewRegistry returns the engine's one scorer registry.
func NewRegistry() *Registry { return &Registry{} }

// New builds a fresh Scorer of kind.
func (r *Registry) New(kind ScorerKind) *Scorer {
	return NewScorer(kind)
}
