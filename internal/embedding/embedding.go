// Package embedding implements the memory engine's text-to-vector service:
// tokenize, run an ONNX feature-extraction model (or a deterministic
// hash-based fallback when no model is available), mean-pool, and
// L2-normalize. Results are cached by content hash.
package embedding

import (
	"context"
	"fmt"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"lukechampine.com/blake3"

	"github.com/shannon-memory/memengine/internal/config"
	"github.com/shannon-memory/memengine/internal/errs"
	"github.com/shannon-memory/memengine/internal/vecmath"
)

const component = "embedding"

// Backend produces raw (pre-normalized) embeddings for a batch of texts.
// Implementations are not required to normalize their output; the Service
// normalizes uniformly so that both the real model and the fallback share
// exactly one normalization path.
type Backend interface {
	// EmbedBatch returns one vector per text, in order. Partial failure is
	// not allowed: either every vector is returned or an error is.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension is the width of vectors this backend produces.
	Dimension() int
	// Close releases backend resources, if any.
	Close() error
}

// Service is the engine's single text -> vector entry point. It owns a
// Backend (real ONNX model or hash fallback) and an LRU+TTL cache of
// previously computed vectors keyed by content hash.
type Service struct {
	backend   Backend
	cache     *expirable.LRU[string, []float32]
	maxLength int
	logger    *zap.Logger
}

// NewService builds a Service. If cfg.ModelPath is unset, or no ONNX
// backend can be initialized from it on this host, the
// hash-pseudo-embedding fallback is used instead — the same code path tests
// and model-less environments exercise.
func NewService(cfg config.EmbeddingConfig, cacheEntries int, cacheTTLMs int, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	backend, err := resolveBackend(cfg, logger)
	if err != nil {
		return nil, errs.New(errs.Validation, component, "new_service", "could not resolve embedding backend", err)
	}

	cache := expirable.NewLRU[string, []float32](cacheEntries, nil, time.Duration(cacheTTLMs)*time.Millisecond)

	return &Service{
		backend:   backend,
		cache:     cache,
		maxLength: cfg.MaxLength,
		logger:    logger,
	}, nil
}

// resolveBackend picks the ONNX backend when a model path is configured and
// the runtime can actually initialize an ORT session, falling back to the
// deterministic hash backend otherwise (tests, CI, hosts without the ORT
// shared library installed).
func resolveBackend(cfg config.EmbeddingConfig, logger *zap.Logger) (Backend, error) {
	if cfg.ModelPath != "" {
		hb, err := newHugotBackend(cfg, logger)
		if err == nil {
			return hb, nil
		}
		logger.Warn("onnx backend unavailable, falling back to hash embedding",
			zap.String("model_path", cfg.ModelPath), zap.Error(err))
	}
	return newHashBackend(cfg.Dimension), nil
}

// Embed produces a single L2-normalized vector for text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch produces one L2-normalized vector per text, preserving input
// order. It is all-or-nothing: on any failure no vectors are returned, even
// if some texts in the batch would have embedded successfully.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))

	for i, t := range texts {
		key := cacheKey(t)
		if v, ok := s.cache.Get(key); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	computed, err := s.backend.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, classifyBackendError(err)
	}
	if len(computed) != len(missTexts) {
		return nil, errs.New(errs.Validation, component, "embed_batch", "backend returned mismatched batch size", nil)
	}

	for j, vec := range computed {
		if len(vec) != s.backend.Dimension() {
			return nil, errs.New(errs.Validation, component, "embed_batch", fmt.Sprintf("backend vector has dimension %d, expected %d", len(vec), s.backend.Dimension()), nil)
		}
		vecmath.Normalize(vec)
		idx := missIdx[j]
		out[idx] = vec
		s.cache.Add(cacheKey(missTexts[j]), vec)
	}

	return out, nil
}

// Dimension returns the active backend's output width.
func (s *Service) Dimension() int { return s.backend.Dimension() }

// Close releases the underlying backend.
func (s *Service) Close() error { return s.backend.Close() }

func cacheKey(text string) string {
	sum := blake3.Sum256([]byte(text))
	return string(sum[:])
}

// classifyBackendError maps a raw backend error into the taxonomy per the
// failure semantics: tokenizer failures are non-retriable validation
// errors, runtime errors are retriable infrastructure errors, and anything
// already typed passes through unchanged.
func classifyBackendError(err error) error {
	if _, ok := err.(*errs.Error); ok {
		return err
	}
	switch e := err.(type) {
	case *tokenizerError:
		return errs.New(errs.Validation, component, "embed_batch", "tokenizer failure", e.err)
	case *runtimeError:
		return errs.New(errs.Infrastructure, component, "embed_batch", "onnx runtime failure", e.err)
	case *shapeError:
		return errs.New(errs.Validation, component, "embed_batch", "model output shape mismatch: configuration error", e.err)
	default:
		return errs.Infra(component, "embed_batch", err)
	}
}
