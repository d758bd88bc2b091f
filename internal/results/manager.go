// Package results keeps the history of document runs. Each run is one YAML
// manifest in its own directory under the results base directory.
package results

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"page-translator/internal/types"
)

// ManifestName is the file name of a run manifest.
const ManifestName = "run.yaml"

// RunStatus represents the status of a run
type RunStatus string

const (
	StatusPending  RunStatus = "pending"
	StatusRunning  RunStatus = "running"
	StatusComplete RunStatus = "complete"
	StatusError    RunStatus = "error"
)

// RunInfo is the manifest of one document run.
type RunInfo struct {
	RunID        string              `yaml:"run_id" json:"run_id"`
	Document     string              `yaml:"document" json:"document"`
	SourcePath   string              `yaml:"source_path" json:"source_path"`
	SourceMD5    string              `yaml:"source_md5,omitempty" json:"source_md5,omitempty"`
	OutputDir    string              `yaml:"output_dir,omitempty" json:"output_dir,omitempty"`
	OutputPDF    string              `yaml:"output_pdf,omitempty" json:"output_pdf,omitempty"`
	Status       RunStatus           `yaml:"status" json:"status"`
	LastPhase    types.Phase         `yaml:"last_phase,omitempty" json:"last_phase,omitempty"`
	ErrorMessage string              `yaml:"error_message,omitempty" json:"error_message,omitempty"`
	Pages        int                 `yaml:"pages" json:"pages"`
	Translated   int                 `yaml:"translated" json:"translated"`
	Fallbacks    int                 `yaml:"fallbacks" json:"fallbacks"`
	Skipped      int                 `yaml:"skipped" json:"skipped"`
	Failures     []types.PageFailure `yaml:"failures,omitempty" json:"failures,omitempty"`
	StartedAt    time.Time           `yaml:"started_at" json:"started_at"`
	FinishedAt   time.Time           `yaml:"finished_at,omitempty" json:"finished_at,omitempty"`
}

// ResultManager manages run manifests stored under baseDir
type ResultManager struct {
	baseDir string
	mu      sync.Mutex
}

// NewResultManager creates a new ResultManager with the specified base directory
// If baseDir is empty, uses default location in user's home directory
func NewResultManager(baseDir string) (*ResultManager, error) {
	if baseDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		baseDir = filepath.Join(homeDir, "page-translator-results")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}
	return &ResultManager{baseDir: baseDir}, nil
}

// GetBaseDir returns the base directory for results
func (m *ResultManager) GetBaseDir() string {
	return m.baseDir
}

// GetRunDir returns the directory of a run's manifest.
func (m *ResultManager) GetRunDir(runID string) string {
	return filepath.Join(m.baseDir, sanitizeID(runID))
}

// SaveRun writes the manifest of info.RunID.
func (m *ResultManager) SaveRun(info *RunInfo) error {
	if info.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.save(info)
}

func (m *ResultManager) save(info *RunInfo) error {
	dir := m.GetRunDir(info.RunID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestName), data, 0644)
}

// LoadRun reads the manifest of runID.
func (m *ResultManager) LoadRun(runID string) (*RunInfo, error) {
	data, err := os.ReadFile(filepath.Join(m.GetRunDir(runID), ManifestName))
	if err != nil {
		return nil, err
	}
	var info RunInfo
	if err := yaml.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// UpdateRun loads, modifies and saves a manifest under the store lock.
func (m *ResultManager) UpdateRun(runID string, fn func(*RunInfo)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, err := m.LoadRun(runID)
	if err != nil {
		return err
	}
	fn(info)
	return m.save(info)
}

// UpdateRunStatus updates the status of a run
func (m *ResultManager) UpdateRunStatus(runID string, status RunStatus, errorMsg string) error {
	return m.UpdateRun(runID, func(info *RunInfo) {
		info.Status = status
		info.ErrorMessage = errorMsg
		if status == StatusComplete || status == StatusError {
			info.FinishedAt = time.Now()
		}
	})
}

// ListRuns returns every run, newest first.
func (m *ResultManager) ListRuns() ([]*RunInfo, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*RunInfo{}, nil
		}
		return nil, err
	}

	runs := []*RunInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := m.LoadRun(entry.Name())
		if err != nil {
			continue // Skip directories without a manifest
		}
		runs = append(runs, info)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

// DeleteRun removes a run's manifest directory.
func (m *ResultManager) DeleteRun(runID string) error {
	return os.RemoveAll(m.GetRunDir(runID))
}

// RunExists checks if a manifest exists for runID
func (m *ResultManager) RunExists(runID string) bool {
	_, err := os.Stat(filepath.Join(m.GetRunDir(runID), ManifestName))
	return err == nil
}

// GetIncompleteRuns returns runs that never reached complete
func (m *ResultManager) GetIncompleteRuns() ([]*RunInfo, error) {
	runs, err := m.ListRuns()
	if err != nil {
		return nil, err
	}
	var out []*RunInfo
	for _, r := range runs {
		if r.Status != StatusComplete {
			out = append(out, r)
		}
	}
	return out, nil
}

// FindByMD5 returns the newest complete run of a source with the given hash.
func (m *ResultManager) FindByMD5(md5Hash string) (*RunInfo, error) {
	runs, err := m.ListRuns()
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if r.SourceMD5 == md5Hash && r.Status == StatusComplete {
			return r, nil
		}
	}
	return nil, nil
}

// CalculateFileMD5 calculates the MD5 hash of a file
func CalculateFileMD5(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sanitizeID converts a run id to a safe directory name
func sanitizeID(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	return r.Replace(id)
}
