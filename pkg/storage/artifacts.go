package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/HatiCode/revcast/pkg/models"
)

// Artifact key layout.
const (
	baselinePrefix = "baseline/"
	backtestPrefix = "backtest/"
	residualKey    = "residual/bundle"
	diagnosticsKey = "residual/diagnostics"
	diagnosticsLog = "residual/diagnostics-log"
	assignmentsKey = "clusters/assignments"
)

// BaselineRecord is a trained per-store baseline together with the
// saturation bounds it was fitted with.
type BaselineRecord struct {
	StoreID   string                `json:"store_id"`
	Archetype int                   `json:"archetype"`
	Cap       float64               `json:"cap"`
	Floor     float64               `json:"floor"`
	Params    map[string]float64    `json:"params"`
	Score     *float64              `json:"score,omitempty"`
	LastDate  time.Time             `json:"last_date"`
	TrainedAt time.Time             `json:"trained_at"`
	Model     *models.BaselineModel `json:"model"`
}

// ResidualBundle is the shared residual model with everything needed to
// build its input vectors.
type ResidualBundle struct {
	Model    *models.GradientBoosted `json:"model"`
	Encoder  models.WeatherEncoder   `json:"encoder"`
	Features []string                `json:"features"`
	// BaselineVersions records the baseline artifact version of every store
	// whose backtest fed the training rows.
	BaselineVersions map[string]int64 `json:"baseline_versions"`
	Rows             int              `json:"rows"`
	TrainedAt        time.Time        `json:"trained_at"`
}

// ClusterRecord is the latest archetype assignment.
type ClusterRecord struct {
	K           int            `json:"k"`
	Assignments map[string]int `json:"assignments"`
	Fallback    []string       `json:"fallback"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Artifacts is a typed repository over a Store.
type Artifacts struct {
	store Store
}

// NewArtifacts wraps store.
func NewArtifacts(store Store) *Artifacts {
	return &Artifacts{store: store}
}

// Store returns the underlying store.
func (a *Artifacts) Store() Store {
	return a.store
}

func (a *Artifacts) putJSON(ctx context.Context, key string, v any) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	return a.store.Put(ctx, Artifact{Key: key, Data: data})
}

func (a *Artifacts) getJSON(ctx context.Context, key string, v any) (int64, error) {
	art, found, err := a.store.GetLatest(ctx, key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err := json.Unmarshal(art.Data, v); err != nil {
		return 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return art.Version, nil
}

// BaselineLockKey is the advisory lock key guarding a store's baseline and
// backtest artifacts.
func BaselineLockKey(storeID string) string {
	return baselinePrefix + storeID
}

// PutBaseline stores the production baseline of a store.
func (a *Artifacts) PutBaseline(ctx context.Context, rec BaselineRecord) (int64, error) {
	return a.putJSON(ctx, baselinePrefix+rec.StoreID, rec)
}

// Baseline loads the production baseline of a store and its version.
func (a *Artifacts) Baseline(ctx context.Context, storeID string) (BaselineRecord, int64, error) {
	var rec BaselineRecord
	v, err := a.getJSON(ctx, baselinePrefix+storeID, &rec)
	return rec, v, err
}

// BaselineVersion returns the current version of a store's baseline, or 0
// when none exists.
func (a *Artifacts) BaselineVersion(ctx context.Context, storeID string) (int64, error) {
	art, found, err := a.store.GetLatest(ctx, baselinePrefix+storeID)
	if err != nil || !found {
		return 0, err
	}
	return art.Version, nil
}

// PutBacktest stores the model fitted on history minus the last 12 months.
func (a *Artifacts) PutBacktest(ctx context.Context, rec BaselineRecord) (int64, error) {
	return a.putJSON(ctx, backtestPrefix+rec.StoreID, rec)
}

// Backtest loads the backtest model of a store.
func (a *Artifacts) Backtest(ctx context.Context, storeID string) (BaselineRecord, error) {
	var rec BaselineRecord
	_, err := a.getJSON(ctx, backtestPrefix+storeID, &rec)
	return rec, err
}

// DeleteBacktest removes a stale backtest model.
func (a *Artifacts) DeleteBacktest(ctx context.Context, storeID string) error {
	return a.store.Delete(ctx, backtestPrefix+storeID)
}

// Stores lists the stores that have a production baseline.
func (a *Artifacts) Stores(ctx context.Context) ([]string, error) {
	keys, err := a.store.List(ctx, baselinePrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = strings.TrimPrefix(k, baselinePrefix)
	}
	return ids, nil
}

// PutResidual stores the residual bundle.
func (a *Artifacts) PutResidual(ctx context.Context, b ResidualBundle) (int64, error) {
	return a.putJSON(ctx, residualKey, b)
}

// Residual loads the residual bundle.
func (a *Artifacts) Residual(ctx context.Context) (ResidualBundle, int64, error) {
	var b ResidualBundle
	v, err := a.getJSON(ctx, residualKey, &b)
	return b, v, err
}

// PutDiagnostics stores the residual training diagnostics as JSON and as a
// human-readable log.
func (a *Artifacts) PutDiagnostics(ctx context.Context, diag any, text string) error {
	if _, err := a.putJSON(ctx, diagnosticsKey, diag); err != nil {
		return err
	}
	_, err := a.store.Put(ctx, Artifact{Key: diagnosticsLog, Data: []byte(text)})
	return err
}

// Diagnostics loads the diagnostics JSON and log.
func (a *Artifacts) Diagnostics(ctx context.Context) (json.RawMessage, string, error) {
	var raw json.RawMessage
	if _, err := a.getJSON(ctx, diagnosticsKey, &raw); err != nil {
		return nil, "", err
	}
	art, found, err := a.store.GetLatest(ctx, diagnosticsLog)
	if err != nil {
		return nil, "", err
	}
	if !found {
		return raw, "", nil
	}
	return raw, string(art.Data), nil
}

// PutClusters stores the latest cluster assignment.
func (a *Artifacts) PutClusters(ctx context.Context, rec ClusterRecord) (int64, error) {
	return a.putJSON(ctx, assignmentsKey, rec)
}

// Clusters loads the latest cluster assignment.
func (a *Artifacts) Clusters(ctx context.Context) (ClusterRecord, error) {
	var rec ClusterRecord
	_, err := a.getJSON(ctx, assignmentsKey, &rec)
	return rec, err
}
