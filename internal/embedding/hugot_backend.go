package embedding

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
	"go.uber.org/zap"

	"github.com/shannon-memory/memengine/internal/config"
)

// newHugotSession prefers an ORT-backed session (the GPU-capable path: the
// shared onnxruntime library it loads may itself be a CUDA/DirectML build)
// when useGPU is set, falling back to the pure-Go CPU session on any error
// so a failed GPU session never blocks inference outright — it only
// degrades to CPU and reports that it did.
func newHugotSession(useGPU bool) (*hugot.Session, bool, error) {
	if useGPU {
		if session, err := createORTSession(); err == nil {
			return session, true, nil
		}
	}
	session, err := createGoSession()
	if err != nil {
		return nil, false, err
	}
	return session, false, nil
}

func createGoSession() (*hugot.Session, error) {
	return hugot.NewGoSession()
}

// ortSingleton holds the process-wide ONNX Runtime session and pipeline.
// ORT only allows one active session per process, so every hugotBackend in
// this process shares it. The mutex serializes both initialization and
// inference, since ORT sessions are not safe for concurrent RunPipeline
// calls.
var ortSingleton struct {
	session      *hugot.Session
	pipeline     *pipelines.FeatureExtractionPipeline
	mu           sync.Mutex
	ready        bool
	usingGPU     bool
	gpuFallback  bool
}

// hugotBackend runs real ONNX inference through hugot's feature-extraction
// pipeline: tokenize, run the session, mean-pool (weighted by attention
// mask), normalize — normalization is requested from the pipeline itself
// via pipelines.WithNormalization(), in addition to the Service-level
// normalize pass, so the vectors stored by the cache are always unit norm
// even if a caller bypasses the Service and calls EmbedBatch directly.
type hugotBackend struct {
	modelPath string
	dim       int
	useGPU    bool
	logger    *zap.Logger
}

func newHugotBackend(cfg config.EmbeddingConfig, logger *zap.Logger) (Backend, error) {
	modelPath, err := resolveModelPath(cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	b := &hugotBackend{
		modelPath: modelPath,
		dim:       cfg.Dimension,
		useGPU:    cfg.UseGPU,
		logger:    logger,
	}
	if err := b.ensureInitialized(); err != nil {
		return nil, err
	}
	return b, nil
}

// resolveModelPath looks for a tokenizer.json either directly at path or in
// one of its immediate subdirectories, matching the disk-layout convention
// the model is distributed in.
func resolveModelPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("embedding model_path not configured")
	}
	if _, err := os.Stat(filepath.Join(path, "tokenizer.json")); err == nil {
		return path, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("read model directory %s: %w", path, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidate := filepath.Join(path, entry.Name())
		if _, err := os.Stat(filepath.Join(candidate, "tokenizer.json")); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no tokenizer.json found under %s", path)
}

// ensureInitialized builds the process-wide ORT session and pipeline on
// first use. GPU initialization failure falls back to CPU and records the
// fallback flag rather than failing outright, following the teacher
// corpus's GPU-accelerator fallback pattern: a backend that cannot get its
// preferred device still gets the request served.
func (b *hugotBackend) ensureInitialized() error {
	ortSingleton.mu.Lock()
	defer ortSingleton.mu.Unlock()

	if ortSingleton.ready {
		return nil
	}

	session, usedGPU, err := newHugotSession(b.useGPU)
	if err != nil {
		return fmt.Errorf("create hugot session: %w", err)
	}

	fcfg := hugot.FeatureExtractionConfig{
		ModelPath: b.modelPath,
		Name:      "memengine-embeddings",
		Options: []hugot.FeatureExtractionOption{
			pipelines.WithNormalization(),
		},
	}
	pipeline, err := hugot.NewPipeline(session, fcfg)
	if err != nil {
		_ = session.Destroy()
		return fmt.Errorf("create feature extraction pipeline: %w", err)
	}

	ortSingleton.session = session
	ortSingleton.pipeline = pipeline
	ortSingleton.ready = true
	ortSingleton.usingGPU = usedGPU
	ortSingleton.gpuFallback = b.useGPU && !usedGPU
	if ortSingleton.gpuFallback {
		b.logger.Warn("gpu backend unavailable for embedding inference, using cpu")
	}
	return nil
}

func (b *hugotBackend) Dimension() int { return b.dim }

func (b *hugotBackend) Close() error { return nil }

func (b *hugotBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.ensureInitialized(); err != nil {
		return nil, &runtimeError{err: err}
	}

	ortSingleton.mu.Lock()
	defer ortSingleton.mu.Unlock()

	result, err := ortSingleton.pipeline.RunPipeline(texts)
	if err != nil {
		return nil, classifyPipelineError(err)
	}

	out := make([][]float32, len(result.Embeddings))
	for i, vec := range result.Embeddings {
		if b.dim > 0 && len(vec) != b.dim {
			return nil, &shapeError{err: fmt.Errorf("pipeline returned dimension %d, expected %d", len(vec), b.dim)}
		}
		out[i] = vec
	}
	return out, nil
}

// GPUFallbackActive reports whether the process-wide session fell back to
// CPU after failing to initialize the requested GPU backend.
func GPUFallbackActive() bool {
	ortSingleton.mu.Lock()
	defer ortSingleton.mu.Unlock()
	return ortSingleton.gpuFallback
}

// classifyPipelineError maps a hugot pipeline error to the embedding
// failure taxonomy. hugot does not expose typed tokenizer-vs-runtime
// errors, so every pipeline error is reported as a runtimeError (retriable);
// tokenizer failures are not told apart from runtime failures on this path.
func classifyPipelineError(err error) error {
	return &runtimeError{err: err}
}
