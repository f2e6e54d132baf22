package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"coalfire/internal/common"
	"coalfire/internal/ml"
)

// ErrNoActiveArtifact means the store holds no activated model yet. The
// service starts Unloaded in that case; it is not a failure.
var ErrNoActiveArtifact = errors.New("no active model artifact")

// ArtifactVersion is one entry of the versions.json index.
type ArtifactVersion struct {
	Version   string         `json:"version"`
	Path      string         `json:"path"`
	CreatedAt time.Time      `json:"created_at"`
	Summary   VersionSummary `json:"summary"`
	IsActive  bool           `json:"is_active"`
}

// VersionSummary carries the headline metrics into the index so operators
// can compare versions without loading full artifacts.
type VersionSummary struct {
	MAE                 float64 `json:"mae"`
	RMSE                float64 `json:"rmse"`
	AccuracyWithin2Days float64 `json:"accuracy_within_2_days"`
	LabeledRows         int     `json:"labeled_rows"`
}

// ArtifactStore keeps trained models as versioned JSON files in one
// directory, with a versions.json index tracking which one is active.
type ArtifactStore struct {
	dir          string
	versionsFile string
	maxVersions  int
	clock        clockwork.Clock
	versions     []ArtifactVersion
}

// NewArtifactStore opens the artifact directory, creating it if needed, and
// loads the version index.
func NewArtifactStore(dir string, maxVersions int, clock clockwork.Clock) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	as := &ArtifactStore{
		dir:          dir,
		versionsFile: filepath.Join(dir, "versions.json"),
		maxVersions:  maxVersions,
		clock:        clock,
		versions:     make([]ArtifactVersion, 0),
	}

	if err := as.loadVersions(); err != nil {
		log.Warn().Err(err).Msg("failed to load artifact versions, starting fresh")
	}
	return as, nil
}

// Save assigns a clock-derived version to the artifact, writes it via a temp
// file and rename, marks it active and prunes the oldest versions beyond the
// retention limit. Returns the assigned version.
func (as *ArtifactStore) Save(a *ml.Artifact) (string, error) {
	version := as.clock.Now().UTC().Format(common.VersionLayout)
	for _, v := range as.versions {
		if v.Version == version {
			return "", fmt.Errorf("artifact version %s already exists", version)
		}
	}
	a.Version = version
	if a.TrainedAt.IsZero() {
		a.TrainedAt = as.clock.Now().UTC()
	}

	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal artifact: %w", err)
	}

	path := filepath.Join(as.dir, fmt.Sprintf("model-%s.json", version))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publish artifact: %w", err)
	}

	entry := ArtifactVersion{
		Version:   version,
		Path:      path,
		CreatedAt: as.clock.Now().UTC(),
		Summary: VersionSummary{
			MAE:                 a.Metrics.MAE,
			RMSE:                a.Metrics.RMSE,
			AccuracyWithin2Days: a.Metrics.AccuracyWithin2Days,
			LabeledRows:         a.Metrics.LabeledRows,
		},
		IsActive: true,
	}
	for i := range as.versions {
		as.versions[i].IsActive = false
	}
	as.versions = append(as.versions, entry)
	sort.Slice(as.versions, func(i, j int) bool {
		return as.versions[i].CreatedAt.After(as.versions[j].CreatedAt)
	})

	as.prune()

	if err := as.saveVersions(); err != nil {
		return "", err
	}
	log.Info().Str("version", version).Str("path", path).Msg("model artifact saved")
	return version, nil
}

// LoadActive reads the active artifact and validates it, including the
// schema fingerprint recomputation.
func (as *ArtifactStore) LoadActive() (*ml.Artifact, error) {
	for _, v := range as.versions {
		if !v.IsActive {
			continue
		}
		data, err := os.ReadFile(v.Path)
		if err != nil {
			return nil, fmt.Errorf("read artifact %s: %w", v.Version, err)
		}
		var a ml.Artifact
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("parse artifact %s: %w", v.Version, err)
		}
		if err := a.Validate(); err != nil {
			return nil, err
		}
		return &a, nil
	}
	return nil, ErrNoActiveArtifact
}

// Activate switches the active pointer to the named version.
func (as *ArtifactStore) Activate(version string) error {
	found := false
	for i := range as.versions {
		if as.versions[i].Version == version {
			as.versions[i].IsActive = true
			found = true
		} else {
			as.versions[i].IsActive = false
		}
	}
	if !found {
		return fmt.Errorf("version %s not found", version)
	}
	return as.saveVersions()
}

// Rollback activates the version immediately preceding the active one.
// Versions are kept newest-first.
func (as *ArtifactStore) Rollback() error {
	if len(as.versions) < 2 {
		return fmt.Errorf("no previous version available for rollback")
	}

	currentIdx := -1
	for i, v := range as.versions {
		if v.IsActive {
			currentIdx = i
			break
		}
	}
	if currentIdx == -1 {
		return fmt.Errorf("no active version found")
	}
	if currentIdx+1 >= len(as.versions) {
		return fmt.Errorf("no previous version available")
	}
	return as.Activate(as.versions[currentIdx+1].Version)
}

// ActiveVersion returns the active index entry, or false.
func (as *ArtifactStore) ActiveVersion() (ArtifactVersion, bool) {
	for _, v := range as.versions {
		if v.IsActive {
			return v, true
		}
	}
	return ArtifactVersion{}, false
}

// Versions lists the index, newest first.
func (as *ArtifactStore) Versions() []ArtifactVersion {
	out := make([]ArtifactVersion, len(as.versions))
	copy(out, as.versions)
	return out
}

// prune drops the oldest versions beyond the retention limit, never the
// active one, and removes their files.
func (as *ArtifactStore) prune() {
	if as.maxVersions < 1 || len(as.versions) <= as.maxVersions {
		return
	}

	kept := make([]ArtifactVersion, 0, as.maxVersions)
	removed := 0
	excess := len(as.versions) - as.maxVersions
	for i := len(as.versions) - 1; i >= 0; i-- {
		v := as.versions[i]
		if removed < excess && !v.IsActive {
			if err := os.Remove(v.Path); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("version", v.Version).Msg("failed to remove pruned artifact")
			}
			removed++
			continue
		}
		kept = append([]ArtifactVersion{v}, kept...)
	}
	as.versions = kept
}

func (as *ArtifactStore) loadVersions() error {
	data, err := os.ReadFile(as.versionsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &as.versions)
}

func (as *ArtifactStore) saveVersions() error {
	data, err := json.MarshalIndent(as.versions, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(as.versionsFile, data, 0o600)
}
