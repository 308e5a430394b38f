// Package engine assembles every component into the memory engine's single
// external surface: insert, insert_batch, search, similarity_search,
// retrieve, update, delete, run_promotion, create_backup, restore, and
// health. Embedding, insert's write path, search, promotion, and
// backup/restore run through their reliability-mesh coordinators (client ->
// coordinator -> cache/index/store); retrieve, update's delete-and-write
// step, delete, and health call the store, indexes, or health manager
// directly.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shannon-memory/memengine/internal/backup"
	"github.com/shannon-memory/memengine/internal/batch"
	"github.com/shannon-memory/memengine/internal/cache"
	"github.com/shannon-memory/memengine/internal/config"
	"github.com/shannon-memory/memengine/internal/coordinator"
	"github.com/shannon-memory/memengine/internal/embedding"
	"github.com/shannon-memory/memengine/internal/errs"
	"github.com/shannon-memory/memengine/internal/health"
	"github.com/shannon-memory/memengine/internal/hnsw"
	"github.com/shannon-memory/memengine/internal/metrics"
	"github.com/shannon-memory/memengine/internal/promotion"
	"github.com/shannon-memory/memengine/internal/resource"
	"github.com/shannon-memory/memengine/internal/store"
	"github.com/shannon-memory/memengine/internal/tracing"
	"github.com/shannon-memory/memengine/internal/types"
)

const component = "engine"

// Indexes is the per-tier set of HNSW indexes every component that spans
// all three tiers (promotion, backup, this facade) shares.
type Indexes map[types.Layer]*hnsw.Index

// SearchOptions narrows a search or similarity_search call.
type SearchOptions struct {
	// Layers restricts the search to these tiers; empty means all three.
	Layers            []types.Layer
	TopK              int
	ScoreThreshold    float32
	Tags              []string
	Project           string
	IncludeEmbeddings bool
}

// RetrieveOptions narrows a retrieve call.
type RetrieveOptions struct {
	IncludeEmbeddings bool
}

// BatchResult is insert_batch's structured partial-success outcome.
type BatchResult struct {
	Inserted   int
	Failed     int
	Errors     []string
	DurationMs int64
}

// Engine is the memory engine's top-level facade, composing the vector
// store, per-tier HNSW indexes, the embedding pipeline, the query cache,
// the promotion engine, backup/restore, and the reliability mesh fronting
// all of them.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	store   *store.Store
	indexes Indexes

	embedSvc  *embedding.Service
	batchProc *batch.Processor

	queryCache *cache.QueryCache

	promotionEngine *promotion.Engine
	backupMgr       *backup.Manager
	healthMgr       *health.Manager
	resourceCtl     *resource.Controller

	coords map[coordinator.Kind]*coordinator.Coordinator
}

// New assembles an Engine from cfg. The store is opened at cfg.Paths.DBPath
// (or in-memory if empty); callers own its lifetime via Close.
func New(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = config.Default()
	}

	st, err := store.Open(store.Options{Dir: cfg.Paths.DBPath, InMemory: cfg.Paths.DBPath == ""})
	if err != nil {
		return nil, errs.Infra(component, "new", err)
	}

	indexes := make(Indexes, len(types.Layers))
	hnswCfg := hnsw.Config{
		M:              cfg.HNSW.M,
		EfConstruction: cfg.HNSW.EfConstruction,
		EfSearch:       cfg.HNSW.EfSearch,
		MaxLayers:      cfg.HNSW.MaxLayers,
	}
	for _, layer := range types.Layers {
		indexes[layer] = hnsw.NewIndex(cfg.Embedding.Dimension, hnswCfg)
	}

	embedSvc, err := embedding.NewService(cfg.Embedding, cfg.Cache.MaxEntries, cfg.Cache.QueryTTLMs, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	fallbackCfg := cfg.Embedding
	fallbackCfg.UseGPU = false
	fallbackSvc, err := embedding.NewService(fallbackCfg, cfg.Cache.MaxEntries, cfg.Cache.QueryTTLMs, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	batchProc := batch.NewProcessor(embedSvc, fallbackSvc, batch.Config{
		MaxBatchSize: cfg.Batch.MaxBatchSize,
		TimeoutMs:    cfg.Batch.TimeoutMs,
	}, logger)

	queryCache := cache.NewQueryCache(cfg.Cache.MaxEntries, time.Duration(cfg.Cache.QueryTTLMs)*time.Millisecond)

	scorerKind, ok := promotion.ParseScorerKind(cfg.Promotion.Scorer)
	if !ok {
		_ = st.Close()
		return nil, errs.Validationf(component, "new", "unknown promotion scorer %q", cfg.Promotion.Scorer)
	}
	scorer := promotion.NewScorer(scorerKind)
	promotionEngine := promotion.NewEngine(st, promotion.Indexes(indexes), scorer, cfg.Promotion, logger)

	backupMgr := backup.NewManager(st, backup.Indexes(indexes), logger)

	coords := make(map[coordinator.Kind]*coordinator.Coordinator, 6)
	for _, kind := range []coordinator.Kind{
		coordinator.Embedding, coordinator.Search, coordinator.Promotion,
		coordinator.Backup, coordinator.Health,
	} {
		coords[kind] = coordinator.New(kind, cfg, logger)
	}

	healthMgr := health.NewManager(logger)
	registerHealthCheckers(healthMgr, st, indexes, coords[coordinator.Embedding], embedSvc, promotionEngine, logger)

	alertMgr, err := health.NewAlertManager(health.DefaultAlertConfig(),
		map[health.Channel]health.Notifier{health.ChannelLog: health.NewLogNotifier(logger)}, logger)
	if err != nil {
		_ = st.Close()
		return nil, errs.Infra(component, "new", err)
	}
	healthMgr.SetAlerter(alertMgr)

	resizables := make([]resource.Resizable, 0, len(coords))
	for _, c := range coords {
		resizables = append(resizables, c)
	}
	resourceCtl := resource.NewController(resource.DefaultConfig(), resizables, queryCache, logger)

	e := &Engine{
		cfg:             cfg,
		logger:          logger,
		store:           st,
		indexes:         indexes,
		embedSvc:        embedSvc,
		batchProc:       batchProc,
		queryCache:      queryCache,
		promotionEngine: promotionEngine,
		backupMgr:       backupMgr,
		healthMgr:       healthMgr,
		resourceCtl:     resourceCtl,
		coords:          coords,
	}

	batchProc.Start()
	resourceCtl.Start()
	if err := healthMgr.Start(context.Background()); err != nil {
		logger.Warn("health manager failed to start background checks", zap.Error(err))
	}

	return e, nil
}

// registerHealthCheckers wires one checker per tier index plus the
// embedding backend, the vector store, and the promotion cycle, matching
// the checkers the health package already ships.
func registerHealthCheckers(mgr *health.Manager, st *store.Store, indexes Indexes, embedCoord *coordinator.Coordinator, embedSvc *embedding.Service, promotionEngine *promotion.Engine, logger *zap.Logger) {
	probe := func(ctx context.Context) error {
		_, err := embedSvc.Embed(ctx, "healthcheck")
		return err
	}
	_ = mgr.RegisterChecker(health.NewEmbeddingHealthChecker(embedCoord, probe, logger))
	_ = mgr.RegisterChecker(health.NewVectorStoreHealthChecker(st, logger))
	for _, layer := range types.Layers {
		_ = mgr.RegisterChecker(health.NewIndexHealthChecker(layer, indexes[layer], logger))
	}
	_ = mgr.RegisterChecker(health.NewPromotionHealthChecker(promotionEngine.Interval(), promotionEngine.LastCycleAt, logger))
}

// Close stops background loops and releases the store.
func (e *Engine) Close() error {
	e.batchProc.Stop()
	e.resourceCtl.Stop()
	_ = e.healthMgr.Stop()
	return e.store.Close()
}

// Insert embeds (if needed), validates, and persists rec into its tier's
// store and index.
func (e *Engine) Insert(ctx context.Context, rec *types.Record) error {
	ctx, span := tracing.StartOperation(ctx, component, "insert")
	defer span.End()

	if err := e.ensureEmbedding(ctx, rec); err != nil {
		return err
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.LastAccess = rec.Timestamp

	_, err := e.coords[coordinator.Search].Run(ctx, "insert", func(ctx context.Context) (any, error) {
		return nil, e.writeRecord(rec)
	})
	if err != nil {
		return err
	}
	metrics.RecordsInserted.WithLabelValues(rec.Layer.String()).Inc()
	return nil
}

func (e *Engine) writeRecord(rec *types.Record) error {
	if err := e.store.Insert(rec); err != nil {
		return err
	}
	return e.indexes[rec.Layer].Add(rec.ID, rec.Embedding)
}

// ensureEmbedding computes rec.Embedding from rec.Text through the
// Embedding Coordinator fronting the batch processor (which coalesces
// concurrent single-record embeds), unless an embedding is already
// supplied.
func (e *Engine) ensureEmbedding(ctx context.Context, rec *types.Record) error {
	if len(rec.Embedding) > 0 {
		return nil
	}
	if rec.Text == "" {
		return errs.Validationf(component, "insert", "record has neither text nor embedding")
	}
	start := time.Now()
	v, err := e.coords[coordinator.Embedding].Run(ctx, "embed", func(ctx context.Context) (any, error) {
		return e.batchProc.Embed(ctx, rec.Text)
	})
	metrics.RecordEmbeddingMetrics(statusOf(err), time.Since(start).Seconds())
	if err != nil {
		return err
	}
	rec.Embedding = v.([]float32)
	return nil
}

// InsertBatch embeds and inserts many records, tolerating per-record
// failure: a bad record does not abort the rest of the batch.
func (e *Engine) InsertBatch(ctx context.Context, recs []*types.Record) (BatchResult, error) {
	ctx, span := tracing.StartOperation(ctx, component, "insert_batch")
	defer span.End()

	start := time.Now()
	var result BatchResult

	texts := make([]string, 0, len(recs))
	textIdx := make([]int, 0, len(recs))
	for i, rec := range recs {
		if len(rec.Embedding) == 0 && rec.Text != "" {
			texts = append(texts, rec.Text)
			textIdx = append(textIdx, i)
		}
	}
	if len(texts) > 0 {
		vecs, err := e.embedSvc.EmbedBatch(ctx, texts)
		if err == nil {
			for j, i := range textIdx {
				recs[i].Embedding = vecs[j]
			}
		}
		// A batch-wide embedding failure falls through to per-record
		// embedding below, which reports the error against each record
		// individually rather than failing the whole call.
	}

	for _, rec := range recs {
		if err := e.Insert(ctx, rec); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rec.ID, err))
			continue
		}
		result.Inserted++
	}

	metrics.BatchInsertSize.Observe(float64(len(recs)))
	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}

// Search embeds query_text and returns the top matching records across
// opts.Layers (all tiers if unset), cache-first.
func (e *Engine) Search(ctx context.Context, queryText string, opts SearchOptions) ([]types.ScoredRecord, error) {
	ctx, span := tracing.StartOperation(ctx, component, "search")
	defer span.End()

	opts = withDefaults(opts)
	key := cache.QueryKey{QueryText: queryText, TopK: opts.TopK, LayerMask: cache.LayerMaskOf(opts.Layers), FilterHash: filterHash(opts)}
	if hits, ok := e.queryCache.Get(key); ok {
		metrics.RecordCacheOutcome("query", true)
		return e.hydrate(hits, opts)
	}
	metrics.RecordCacheOutcome("query", false)

	start := time.Now()
	v, err := e.coords[coordinator.Embedding].Run(ctx, "embed_query", func(ctx context.Context) (any, error) {
		return e.embedSvc.Embed(ctx, queryText)
	})
	metrics.RecordEmbeddingMetrics(statusOf(err), time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	records, err := e.similaritySearchVector(ctx, v.([]float32), opts)
	if err != nil {
		return nil, err
	}

	e.queryCache.Put(key, toHits(records))
	return records, nil
}

// SimilaritySearch bypasses the embedding stage entirely.
func (e *Engine) SimilaritySearch(ctx context.Context, vector []float32, opts SearchOptions) ([]types.ScoredRecord, error) {
	ctx, span := tracing.StartOperation(ctx, component, "similarity_search")
	defer span.End()
	return e.similaritySearchVector(ctx, vector, withDefaults(opts))
}

func (e *Engine) similaritySearchVector(ctx context.Context, vector []float32, opts SearchOptions) ([]types.ScoredRecord, error) {
	layers := opts.Layers
	if len(layers) == 0 {
		layers = types.Layers[:]
	}

	start := time.Now()
	var all []types.ScoredRecord
	for _, layer := range layers {
		res, err := e.coords[coordinator.Search].RunTolerant(ctx, "search", func(ctx context.Context) (any, error) {
			return e.indexes[layer].Search(ctx, vector, opts.TopK, opts.ScoreThreshold)
		})
		if err != nil {
			metrics.RecordSearchMetrics(layer.String(), "error", time.Since(start).Seconds(), 0)
			return nil, err
		}
		if res.Miss {
			metrics.RecordSearchMetrics(layer.String(), "miss", time.Since(start).Seconds(), 0)
			continue
		}
		hnswResults, _ := res.Value.([]hnsw.Result)
		for _, hr := range hnswResults {
			rec, getErr := e.store.Get(layer, hr.ID)
			if getErr != nil {
				continue
			}
			if !matchesFilter(rec, opts) {
				continue
			}
			sr := types.ScoredRecord{Record: rec.Clone(), Score: hr.Score}
			if !opts.IncludeEmbeddings {
				sr.Record.Embedding = nil
			}
			all = append(all, sr)
		}
		metrics.RecordSearchMetrics(layer.String(), "ok", time.Since(start).Seconds(), len(hnswResults))
	}

	sortScoredDesc(all)
	if len(all) > opts.TopK {
		all = all[:opts.TopK]
	}
	return all, nil
}

func matchesFilter(rec *types.Record, opts SearchOptions) bool {
	if opts.Project != "" && rec.Project != opts.Project {
		return false
	}
	return rec.HasAllTags(opts.Tags)
}

// Retrieve fetches a record by id, bumping access_count and last_access.
func (e *Engine) Retrieve(ctx context.Context, id uuid.UUID, opts RetrieveOptions) (*types.Record, error) {
	ctx, span := tracing.StartOperation(ctx, component, "retrieve")
	defer span.End()

	rec, err := e.store.Find(id)
	if err != nil {
		return nil, err
	}
	rec.AccessCount++
	rec.LastAccess = time.Now()
	if err := e.store.Insert(rec); err != nil {
		return nil, err
	}
	_ = ctx

	out := rec.Clone()
	if !opts.IncludeEmbeddings {
		out.Embedding = nil
	}
	return out, nil
}

// Update deletes the old record and writes rec in its place. The two steps
// are not one transaction: if writing rec fails after the delete, the old
// record is re-inserted on a best-effort basis, and a failure of that
// re-insert is not reported.
func (e *Engine) Update(ctx context.Context, rec *types.Record) error {
	ctx, span := tracing.StartOperation(ctx, component, "update")
	defer span.End()

	old, err := e.store.Find(rec.ID)
	if err != nil {
		return err
	}
	if err := e.ensureEmbedding(ctx, rec); err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = old.Timestamp
	}

	if err := e.store.Delete(old.Layer, old.ID); err != nil {
		return err
	}
	e.indexes[old.Layer].Remove(old.ID)

	if err := e.writeRecord(rec); err != nil {
		// Best-effort restore of the old record; update is not fully
		// transactional across tiers, matching the store's own Move
		// semantics for cross-tier operations.
		_ = e.store.Insert(old)
		_ = e.indexes[old.Layer].Add(old.ID, old.Embedding)
		return err
	}
	metrics.RecordsUpdated.WithLabelValues(rec.Layer.String()).Inc()
	return nil
}

// Delete removes a record from its tier and index.
func (e *Engine) Delete(ctx context.Context, id uuid.UUID, layer types.Layer) error {
	_, span := tracing.StartOperation(ctx, component, "delete")
	defer span.End()

	if err := e.store.Delete(layer, id); err != nil {
		return err
	}
	e.indexes[layer].Remove(id)
	metrics.RecordsDeleted.WithLabelValues(layer.String()).Inc()
	return nil
}

// RunPromotion executes one promotion/eviction cycle through the
// Promotion Coordinator.
func (e *Engine) RunPromotion(ctx context.Context) (promotion.CycleStats, error) {
	ctx, span := tracing.StartOperation(ctx, component, "run_promotion")
	defer span.End()

	start := time.Now()
	v, err := e.coords[coordinator.Promotion].Run(ctx, "run_promotion", func(ctx context.Context) (any, error) {
		return e.promotionEngine.RunCycle(ctx)
	})
	evicted := map[string]int{}
	var stats promotion.CycleStats
	if err == nil {
		stats = v.(promotion.CycleStats)
		for layer, ts := range stats.PerTier {
			evicted[layer.String()] = ts.Evicted
			metrics.RecordsPromoted.WithLabelValues(layer.String(), nextLayerName(layer)).Add(float64(ts.Promoted))
		}
	}
	metrics.RecordPromotionCycle(time.Since(start).Seconds(), evicted)
	return stats, err
}

func nextLayerName(layer types.Layer) string {
	next, ok := layer.Next()
	if !ok {
		return layer.String()
	}
	return next.String()
}

// CreateBackup snapshots every tier to dir through the Backup Coordinator.
func (e *Engine) CreateBackup(ctx context.Context, dir string) error {
	ctx, span := tracing.StartOperation(ctx, component, "create_backup")
	defer span.End()

	_, err := e.coords[coordinator.Backup].Run(ctx, "create_backup", func(context.Context) (any, error) {
		return nil, e.backupMgr.CreateBackup(dir)
	})
	metrics.RecordBackup(statusOf(err), dirSize(dir))
	return err
}

// Restore replays a backup at dir into the (expected-empty) store and
// indexes through the Backup Coordinator.
func (e *Engine) Restore(ctx context.Context, dir string) error {
	ctx, span := tracing.StartOperation(ctx, component, "restore")
	defer span.End()

	_, err := e.coords[coordinator.Backup].Run(ctx, "restore", func(context.Context) (any, error) {
		return nil, e.backupMgr.Restore(dir)
	})
	metrics.RecordRestore(statusOf(err))
	return err
}

// Health reports the engine's detailed health, matching the health()
// external interface.
func (e *Engine) Health(ctx context.Context) health.DetailedHealth {
	return e.healthMgr.GetDetailedHealth(ctx)
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func withDefaults(opts SearchOptions) SearchOptions {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}
	if opts.TopK > 1000 {
		opts.TopK = 1000
	}
	return opts
}

func filterHash(opts SearchOptions) string {
	if opts.Project == "" && len(opts.Tags) == 0 {
		return ""
	}
	canon := opts.Project + "|"
	for _, t := range opts.Tags {
		canon += t + ","
	}
	return cache.FilterHash(canon)
}

func (e *Engine) hydrate(hits []cache.Hit, opts SearchOptions) ([]types.ScoredRecord, error) {
	out := make([]types.ScoredRecord, 0, len(hits))
	for _, h := range hits {
		id, err := uuid.Parse(h.ID)
		if err != nil {
			continue
		}
		rec, err := e.store.Find(id)
		if err != nil {
			continue
		}
		sr := types.ScoredRecord{Record: rec.Clone(), Score: h.Score}
		if !opts.IncludeEmbeddings {
			sr.Record.Embedding = nil
		}
		out = append(out, sr)
	}
	return out, nil
}

func toHits(records []types.ScoredRecord) []cache.Hit {
	hits := make([]cache.Hit, len(records))
	for i, r := range records {
		hits[i] = cache.Hit{ID: r.Record.ID.String(), Score: r.Score}
	}
	return hits
}

func sortScoredDesc(records []types.ScoredRecord) {
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && records[j].Score > records[j-1].Score; j-- {
			records[j], records[j-1] = records[j-1], records[j]
		}
	}
}

// dirSize is a best-effort byte count for backup size metrics; a failure to
// stat is not an error worth failing the backup over.
func dirSize(dir string) int64 {
	var total int64
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
