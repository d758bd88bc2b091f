// Package errors keeps a persistent log of pages that degraded to their
// original image, so they can be inspected or retried later.
package errors

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"page-translator/internal/types"
)

// logFileName is the failure log inside the manager's directory.
const logFileName = "failures.json"

// ErrorStage 错误阶段枚举
type ErrorStage string

const (
	StageRasterize ErrorStage = "rasterize" // 栅格化阶段
	StageLoad      ErrorStage = "load"      // 读取页面图像
	StageGeometry  ErrorStage = "geometry"  // 尺寸归一化
	StageDetect    ErrorStage = "detect"    // 文本检测
	StageTranslate ErrorStage = "translate" // 翻译阶段
	StageRender    ErrorStage = "render"    // 绘制阶段
	StageAssemble  ErrorStage = "assemble"  // PDF 合成阶段
)

var stageNames = map[ErrorStage]string{
	StageRasterize: "栅格化",
	StageLoad:      "读取图像",
	StageGeometry:  "尺寸归一化",
	StageDetect:    "文本检测",
	StageTranslate: "翻译",
	StageRender:    "绘制",
	StageAssemble:  "PDF合成",
}

// ErrorRecord is one failed page of one run.
type ErrorRecord struct {
	ID         string     `json:"id"` // run_id/page
	RunID      string     `json:"run_id"`
	Document   string     `json:"document"`
	Page       string     `json:"page"` // 页面图像文件名
	Stage      ErrorStage `json:"stage"`
	ErrorMsg   string     `json:"error_msg"`
	Timestamp  time.Time  `json:"timestamp"`
	CanRetry   bool       `json:"can_retry"`
	RetryCount int        `json:"retry_count"`
	LastRetry  time.Time  `json:"last_retry"`
}

// RecordID is the key of a page failure.
func RecordID(runID, page string) string {
	return runID + "/" + page
}

// ErrorManager 错误管理器. Every mutation rewrites the log file.
type ErrorManager struct {
	path    string
	mu      sync.RWMutex
	records map[string]*ErrorRecord
}

// NewErrorManager opens the failure log in dir, or ~/.page-translator/errors
// when dir is empty.
func NewErrorManager(dir string) (*ErrorManager, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, types.NewAppError(types.ErrIO, "cannot locate home directory", err)
		}
		dir = filepath.Join(home, ".page-translator", "errors")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, types.NewAppErrorWithDetails(types.ErrIO, "cannot create failure log directory", dir, err)
	}

	em := &ErrorManager{
		path:    filepath.Join(dir, logFileName),
		records: map[string]*ErrorRecord{},
	}
	if err := em.read(); err != nil {
		return nil, err
	}
	return em, nil
}

// RecordError 记录一页的失败。A page failing again keeps its retry history.
func (em *ErrorManager) RecordError(runID, document, page string, stage ErrorStage, errorMsg string) error {
	id := RecordID(runID, page)
	rec := &ErrorRecord{
		ID:        id,
		RunID:     runID,
		Document:  document,
		Page:      page,
		Stage:     stage,
		ErrorMsg:  errorMsg,
		Timestamp: time.Now(),
		// an unreadable page image fails the same way every time
		CanRetry: stage != StageLoad,
	}

	return em.mutate(func(m map[string]*ErrorRecord) error {
		if prev := m[id]; prev != nil {
			rec.RetryCount, rec.LastRetry = prev.RetryCount, prev.LastRetry
		}
		m[id] = rec
		return nil
	})
}

// IncrementRetry 增加重试次数
func (em *ErrorManager) IncrementRetry(id string) error {
	return em.mutate(func(m map[string]*ErrorRecord) error {
		rec := m[id]
		if rec == nil {
			return types.NewAppErrorWithDetails(types.ErrInvalidInput, "failure record not found", id, nil)
		}
		rec.RetryCount++
		rec.LastRetry = time.Now()
		return nil
	})
}

// RemoveError drops one record, e.g. after a successful retry.
func (em *ErrorManager) RemoveError(id string) error {
	return em.mutate(func(m map[string]*ErrorRecord) error {
		delete(m, id)
		return nil
	})
}

// RemoveRun drops every record of a run.
func (em *ErrorManager) RemoveRun(runID string) error {
	return em.mutate(func(m map[string]*ErrorRecord) error {
		for id, rec := range m {
			if rec.RunID == runID {
				delete(m, id)
			}
		}
		return nil
	})
}

// ClearAll 清除所有错误记录
func (em *ErrorManager) ClearAll() error {
	return em.mutate(func(m map[string]*ErrorRecord) error {
		clear(m)
		return nil
	})
}

// ListErrors lists every record, oldest first.
func (em *ErrorManager) ListErrors() []*ErrorRecord {
	return em.snapshot("")
}

// ListRun lists the failures of one run.
func (em *ErrorManager) ListRun(runID string) []*ErrorRecord {
	if runID == "" {
		return []*ErrorRecord{}
	}
	return em.snapshot(runID)
}

// GetError returns a copy of the record with the given id.
func (em *ErrorManager) GetError(id string) (*ErrorRecord, bool) {
	em.mu.RLock()
	defer em.mu.RUnlock()

	rec, ok := em.records[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// snapshot copies the records of runID (all records when empty).
func (em *ErrorManager) snapshot(runID string) []*ErrorRecord {
	em.mu.RLock()
	out := make([]*ErrorRecord, 0, len(em.records))
	for _, rec := range em.records {
		if runID != "" && rec.RunID != runID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	em.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if ti, tj := out[i].Timestamp, out[j].Timestamp; !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// mutate applies fn under the write lock and persists the result.
func (em *ErrorManager) mutate(fn func(map[string]*ErrorRecord) error) error {
	em.mu.Lock()
	defer em.mu.Unlock()
	if err := fn(em.records); err != nil {
		return err
	}
	return em.write()
}

func (em *ErrorManager) read() error {
	data, err := os.ReadFile(em.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return types.NewAppErrorWithDetails(types.ErrIO, "cannot read failure log", em.path, err)
	}

	var list []*ErrorRecord
	if err := json.Unmarshal(data, &list); err != nil {
		return types.NewAppErrorWithDetails(types.ErrIO, "corrupt failure log", em.path, err)
	}
	for _, rec := range list {
		em.records[rec.ID] = rec
	}
	return nil
}

// write replaces the log via a temp file so a crash never leaves it half
// written.
func (em *ErrorManager) write() error {
	ids := make([]string, 0, len(em.records))
	for id := range em.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	list := make([]*ErrorRecord, len(ids))
	for i, id := range ids {
		list[i] = em.records[id]
	}

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return types.NewAppError(types.ErrInternal, "cannot encode failure log", err)
	}
	tmp := em.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return types.NewAppErrorWithDetails(types.ErrIO, "cannot write failure log", tmp, err)
	}
	if err := os.Rename(tmp, em.path); err != nil {
		return types.NewAppErrorWithDetails(types.ErrIO, "cannot replace failure log", em.path, err)
	}
	return nil
}

// ExportFailedPages 导出失败页面到文本文件，每行一个 "document<TAB>page"
func (em *ErrorManager) ExportFailedPages(outputPath string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return types.NewAppErrorWithDetails(types.ErrIO, "cannot create export file", outputPath, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = '\t'
	for _, rec := range em.ListErrors() {
		if err := w.Write([]string{rec.Document, rec.Page}); err != nil {
			return types.NewAppErrorWithDetails(types.ErrIO, "cannot write export file", outputPath, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return types.NewAppErrorWithDetails(types.ErrIO, "cannot write export file", outputPath, err)
	}
	return f.Close()
}

// GetStageDisplayName 获取阶段的显示名称
func GetStageDisplayName(stage ErrorStage) string {
	if name, ok := stageNames[stage]; ok {
		return name
	}
	return string(stage)
}
