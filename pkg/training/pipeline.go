package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HatiCode/revcast/pkg/calendar"
	"github.com/HatiCode/revcast/pkg/cluster"
	"github.com/HatiCode/revcast/pkg/dataset"
	"github.com/HatiCode/revcast/pkg/features"
	"github.com/HatiCode/revcast/pkg/search"
	"github.com/HatiCode/revcast/pkg/storage"
)

// Mode selects the stages a pipeline run executes.
type Mode string

const (
	// ModeCluster assigns archetypes only.
	ModeCluster Mode = "cluster"
	// ModeBaseline trains store baselines, clustering stores that have no
	// archetype first.
	ModeBaseline Mode = "baseline"
	// ModeResidual rebuilds residual features from the stored baselines and
	// trains the residual model.
	ModeResidual Mode = "residual"
	// ModeFull runs every stage.
	ModeFull Mode = "full"
)

// Pipeline stages, as reported in BatchError and progress callbacks.
const (
	StageCluster  = "cluster"
	StageBaseline = "baseline"
	StageFeatures = "features"
	StageResidual = "residual"
)

// ParseMode validates a mode name. An empty name means ModeFull.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeFull, nil
	case ModeCluster, ModeBaseline, ModeResidual, ModeFull:
		return m, nil
	}
	return "", fmt.Errorf("unknown training mode %q", s)
}

// BatchError reports the failure of a training run.
type BatchError struct {
	Stage string `json:"stage"`
	Store string `json:"store_id,omitempty"`
	Err   error  `json:"-"`
}

func (e *BatchError) Error() string {
	if e.Store != "" {
		return fmt.Sprintf("%s stage failed for store %s: %v", e.Stage, e.Store, e.Err)
	}
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Input is the data of one training run.
type Input struct {
	Mode    Mode
	Revenue []dataset.Observation
	Weather []dataset.WeatherObservation
	// Archetypes overrides per-store archetypes. Archetypes carried by the
	// revenue observations are used for stores not listed here.
	Archetypes map[string]int
}

// StoreReport summarizes the baseline of one store.
type StoreReport struct {
	StoreID   string   `json:"store_id"`
	Archetype int      `json:"archetype"`
	Score     *float64 `json:"mae,omitempty"`
	Trials    int      `json:"trials"`
	Version   int64    `json:"version"`
	Backtest  bool     `json:"backtest"`
}

// Report is the outcome of a pipeline run.
type Report struct {
	Mode            Mode           `json:"mode"`
	Assignments     map[string]int `json:"assignments,omitempty"`
	Fallback        []string       `json:"fallback,omitempty"`
	Stores          []StoreReport  `json:"stores,omitempty"`
	Diagnostics     *Diagnostics   `json:"diagnostics,omitempty"`
	ResidualVersion int64          `json:"residual_version,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
}

// Pipeline runs training end to end against an artifact repository.
type Pipeline struct {
	Artifacts *storage.Artifacts
	Locker    storage.Locker
	Registry  *Registry
	Cluster   *cluster.Engine
	Baseline  *BaselineTrainer
	Backtest  *Backtester
	Residual  *ResidualTrainer
	Features  *features.Builder
	Workers   int

	// OnClusters is called with fresh assignments after clustering. A
	// failure is logged and does not fail the run.
	OnClusters func(ctx context.Context, assignments map[string]int) error
	// OnStage is called when a stage starts.
	OnStage func(stage string)
	// OnStageDone is called with the duration of each completed stage.
	OnStageDone func(stage string, d time.Duration)

	logger *slog.Logger
}

// NewPipeline wires the default trainers around artifacts and locker.
func NewPipeline(artifacts *storage.Artifacts, locker storage.Locker, cal *calendar.Calendar, k int, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cal == nil {
		cal = calendar.Default()
	}
	reg := NewRegistry(cal)
	return &Pipeline{
		Artifacts: artifacts,
		Locker:    locker,
		Registry:  reg,
		Cluster:   cluster.NewEngine(cal, k, logger),
		Baseline:  NewBaselineTrainer(reg, logger),
		Backtest:  NewBacktester(reg),
		Residual:  NewResidualTrainer(logger),
		Features:  features.NewBuilder(),
		Workers:   runtime.GOMAXPROCS(0),
		logger:    logger,
	}
}

func (p *Pipeline) stage(name string) func() {
	if p.OnStage != nil {
		p.OnStage(name)
	}
	start := time.Now()
	return func() {
		d := time.Since(start)
		p.logger.Debug("training stage complete", "stage", name, "duration_ms", d.Milliseconds())
		if p.OnStageDone != nil {
			p.OnStageDone(name, d)
		}
	}
}

// Run executes the stages selected by in.Mode. Any failure is returned as a
// *BatchError.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Report, error) {
	mode := in.Mode
	if mode == "" {
		mode = ModeFull
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, &BatchError{Stage: "input", Err: err}
	}
	if len(in.Revenue) == 0 {
		return nil, &BatchError{Stage: "input", Err: errors.New("no revenue observations")}
	}

	rep := &Report{Mode: mode, StartedAt: time.Now().UTC()}
	series := dataset.GroupByStore(in.Revenue)

	archetypes := dataset.Archetypes(in.Revenue)
	for id, a := range in.Archetypes {
		archetypes[id] = a
	}

	needCluster := mode == ModeCluster
	if mode == ModeBaseline || mode == ModeFull {
		for _, s := range series {
			if _, ok := archetypes[s.StoreID]; !ok {
				needCluster = true
				break
			}
		}
	}
	if needCluster {
		if err := p.runCluster(ctx, series, archetypes, rep); err != nil {
			return nil, err
		}
	}

	if mode == ModeBaseline || mode == ModeFull {
		if err := p.runBaselines(ctx, series, archetypes, rep); err != nil {
			return nil, err
		}
	}

	if mode == ModeResidual || mode == ModeFull {
		if err := p.runResidual(ctx, series, in.Weather, rep); err != nil {
			return nil, err
		}
	}

	rep.FinishedAt = time.Now().UTC()
	p.logger.Info("training run complete",
		"mode", mode,
		"stores", len(series),
		"duration_ms", rep.FinishedAt.Sub(rep.StartedAt).Milliseconds(),
	)
	return rep, nil
}

// runCluster assigns archetypes to stores without one and stores the full
// assignment.
func (p *Pipeline) runCluster(ctx context.Context, series []dataset.StoreSeries, archetypes map[string]int, rep *Report) error {
	defer p.stage(StageCluster)()

	res, err := p.Cluster.Assign(ctx, series)
	if err != nil {
		return &BatchError{Stage: StageCluster, Err: err}
	}
	for id, a := range res.Assignments {
		if _, ok := archetypes[id]; !ok {
			archetypes[id] = a
		}
	}

	rep.Assignments = make(map[string]int, len(series))
	for _, s := range series {
		rep.Assignments[s.StoreID] = archetypes[s.StoreID]
	}
	rep.Fallback = res.Fallback

	if _, err := p.Artifacts.PutClusters(ctx, storage.ClusterRecord{
		K:           p.Cluster.K,
		Assignments: rep.Assignments,
		Fallback:    res.Fallback,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return &BatchError{Stage: StageCluster, Err: err}
	}

	if p.OnClusters != nil {
		if err := p.OnClusters(ctx, rep.Assignments); err != nil {
			p.logger.Warn("failed to publish cluster assignments", "error", err)
		}
	}
	return nil
}

// runBaselines trains every store in parallel, each under its store lock.
func (p *Pipeline) runBaselines(ctx context.Context, series []dataset.StoreSeries, archetypes map[string]int, rep *Report) error {
	defer p.stage(StageBaseline)()

	for _, s := range series {
		if _, err := p.Registry.Lookup(archetypes[s.StoreID]); err != nil {
			return &BatchError{Stage: StageBaseline, Store: s.StoreID, Err: err}
		}
	}

	var mu sync.Mutex
	reports := make([]StoreReport, 0, len(series))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.Workers, 1))
	for _, s := range series {
		g.Go(func() error {
			sr, err := p.trainStore(gctx, s, archetypes[s.StoreID])
			if err != nil {
				return &BatchError{Stage: StageBaseline, Store: s.StoreID, Err: err}
			}
			mu.Lock()
			reports = append(reports, sr)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].StoreID < reports[j].StoreID })
	rep.Stores = reports
	return nil
}

func (p *Pipeline) trainStore(ctx context.Context, s dataset.StoreSeries, archetype int) (StoreReport, error) {
	res, err := p.Baseline.Train(ctx, s, archetype)
	if err != nil {
		return StoreReport{}, err
	}

	unlock, err := p.Locker.Lock(ctx, storage.BaselineLockKey(s.StoreID))
	if err != nil {
		return StoreReport{}, err
	}
	defer unlock()

	rec := storage.BaselineRecord{
		StoreID:   s.StoreID,
		Archetype: archetype,
		Cap:       res.Cap,
		Floor:     res.Floor,
		Params:    res.Params,
		Score:     finite(res.Score),
		LastDate:  res.LastDate,
		TrainedAt: time.Now().UTC(),
		Model:     res.Model,
	}
	if res.Backtest != nil {
		bt := rec
		bt.Model = res.Backtest
		if _, err := p.Artifacts.PutBacktest(ctx, bt); err != nil {
			return StoreReport{}, err
		}
	} else if err := p.Artifacts.DeleteBacktest(ctx, s.StoreID); err != nil {
		return StoreReport{}, err
	}
	version, err := p.Artifacts.PutBaseline(ctx, rec)
	if err != nil {
		return StoreReport{}, err
	}

	return StoreReport{
		StoreID:   s.StoreID,
		Archetype: archetype,
		Score:     rec.Score,
		Trials:    res.Trials,
		Version:   version,
		Backtest:  res.Backtest != nil,
	}, nil
}

// runResidual rebuilds the residual rows of every store from its stored
// baseline, then trains and stores the shared residual model.
func (p *Pipeline) runResidual(ctx context.Context, series []dataset.StoreSeries, weather []dataset.WeatherObservation, rep *Report) error {
	if len(weather) == 0 {
		return &BatchError{Stage: StageFeatures, Err: errors.New("no weather observations")}
	}
	weatherIdx := dataset.IndexWeather(weather)

	endFeatures := p.stage(StageFeatures)
	var mu sync.Mutex
	var rows []features.ResidualRow
	versions := make(map[string]int64, len(series))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.Workers, 1))
	for _, s := range series {
		g.Go(func() error {
			storeRows, version, err := p.storeFeatures(gctx, s, weatherIdx)
			if err != nil {
				return &BatchError{Stage: StageFeatures, Store: s.StoreID, Err: err}
			}
			mu.Lock()
			rows = append(rows, storeRows...)
			versions[s.StoreID] = version
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	endFeatures()

	defer p.stage(StageResidual)()
	res, err := p.Residual.Train(ctx, rows)
	if err != nil {
		return &BatchError{Stage: StageResidual, Err: err}
	}

	version, err := p.Artifacts.PutResidual(ctx, storage.ResidualBundle{
		Model:            res.Model,
		Encoder:          res.Encoder,
		Features:         append([]string(nil), features.ResidualColumns...),
		BaselineVersions: versions,
		Rows:             res.Diagnostics.RowsAfter,
		TrainedAt:        res.Diagnostics.TrainedAt,
	})
	if err != nil {
		return &BatchError{Stage: StageResidual, Err: err}
	}
	if err := p.Artifacts.PutDiagnostics(ctx, res.Diagnostics, res.Diagnostics.Text()); err != nil {
		return &BatchError{Stage: StageResidual, Err: err}
	}

	rep.Diagnostics = &res.Diagnostics
	rep.ResidualVersion = version
	return nil
}

// storeFeatures backtests one store's stored baseline under a shared lock
// and returns its residual rows with the baseline version used.
func (p *Pipeline) storeFeatures(ctx context.Context, s dataset.StoreSeries, weather map[dataset.WeatherKey]dataset.WeatherObservation) ([]features.ResidualRow, int64, error) {
	unlock, err := p.Locker.RLock(ctx, storage.BaselineLockKey(s.StoreID))
	if err != nil {
		return nil, 0, err
	}
	defer unlock()

	rec, version, err := p.Artifacts.Baseline(ctx, s.StoreID)
	if err != nil {
		return nil, 0, err
	}
	res := BaselineResult{
		StoreID:   rec.StoreID,
		Archetype: rec.Archetype,
		Cap:       rec.Cap,
		Floor:     rec.Floor,
		Model:     rec.Model,
		Params:    search.Params(rec.Params),
		LastDate:  rec.LastDate,
	}
	bt, err := p.Artifacts.Backtest(ctx, s.StoreID)
	switch {
	case err == nil:
		res.Backtest = bt.Model
	case !errors.Is(err, storage.ErrNotFound):
		return nil, 0, err
	}

	scores, err := p.Backtest.Score(ctx, s, res)
	if err != nil {
		return nil, 0, err
	}
	return p.Features.ResidualRows(s, scores, weather, rec.Archetype), version, nil
}

// finite returns a pointer to v, or nil when v is not a finite number.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
