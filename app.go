package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"page-translator/internal/config"
	"page-translator/internal/errors"
	"page-translator/internal/logger"
	"page-translator/internal/pipeline"
	"page-translator/internal/results"
	"page-translator/internal/types"
)

// Events emitted to the frontend.
const (
	EventStatus   = "status-update"
	EventComplete = "translation-complete"
	EventError    = "translation-error"
)

// App struct
type App struct {
	ctx    context.Context
	config *config.ConfigManager

	mu         sync.Mutex
	svc        *pipeline.Service
	status     types.Status
	cancelFunc context.CancelFunc
	processing bool
	lastResult *types.DocumentResult

	// isWailsRuntime indicates if the app is running in a Wails environment
	// This is used to safely skip EventsEmit calls during tests
	isWailsRuntime bool
}

// safeEmit safely emits an event to the frontend.
// It only emits events when running in a Wails environment.
func (a *App) safeEmit(eventName string, data ...interface{}) {
	if !a.isWailsRuntime || a.ctx == nil {
		logger.Debug("event emit skipped (not in Wails runtime)",
			logger.String("event", eventName))
		return
	}
	runtime.EventsEmit(a.ctx, eventName, data...)
}

// SetWailsRuntime sets the Wails runtime flag.
func (a *App) SetWailsRuntime(isWails bool) {
	a.isWailsRuntime = isWails
}

// NewApp creates a new App using the default config location.
func NewApp() *App {
	return &App{status: types.Status{Phase: types.PhaseIdle}}
}

// NewAppWithConfig creates a new App with a custom config path.
func NewAppWithConfig(configPath string) (*App, error) {
	configMgr, err := config.NewConfigManager(configPath)
	if err != nil {
		return nil, err
	}
	return &App{config: configMgr, status: types.Status{Phase: types.PhaseIdle}}, nil
}

// startup is called when the app starts. The context is saved
// so we can call the runtime methods.
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	logger.Info("application starting up")

	if a.config == nil {
		configMgr, err := config.NewConfigManager("")
		if err != nil {
			logger.Error("failed to create config manager", err)
			return
		}
		a.config = configMgr
	}
	if err := a.config.Load(); err != nil {
		// Continue with defaults if config load fails
		logger.Warn("failed to load config, using defaults", logger.Err(err))
	}
	logger.Info("application startup complete")
}

// shutdown cancels a running translation and releases the service.
func (a *App) shutdown(ctx context.Context) {
	logger.Info("application shutting down")
	a.mu.Lock()
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	svc := a.svc
	a.svc = nil
	a.mu.Unlock()

	if svc != nil {
		if err := svc.Close(); err != nil {
			logger.Warn("failed to close translation service", logger.Err(err))
		}
	}
	logger.Info("application shutdown complete")
}

// service returns the translation service, building it on first use so a
// missing API key only fails the first translation, not startup.
func (a *App) service() (*pipeline.Service, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.svc != nil {
		return a.svc, nil
	}
	if a.config == nil {
		return nil, types.NewAppError(types.ErrConfig, "配置未初始化", nil)
	}
	ctx := a.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	svc, err := pipeline.NewServiceFromConfig(ctx, a.config.Config(), a.onStatus)
	if err != nil {
		return nil, err
	}
	a.svc = svc
	return svc, nil
}

func (a *App) onStatus(s types.Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
	a.safeEmit(EventStatus, s)
}

// SelectPDF opens a file dialog and returns the chosen PDF, or "".
func (a *App) SelectPDF() string {
	logger.Debug("opening file dialog")
	selection, err := runtime.OpenFileDialog(a.ctx, runtime.OpenDialogOptions{
		Title: "选择 PDF 文件",
		Filters: []runtime.FileFilter{
			{DisplayName: "PDF 文件 (*.pdf)", Pattern: "*.pdf"},
			{DisplayName: "所有文件 (*.*)", Pattern: "*.*"},
		},
	})
	if err != nil {
		logger.Error("file dialog error", err)
		return ""
	}
	return selection
}

// TranslateDocument translates pdfPath into the configured output directory.
// Only one translation runs at a time.
func (a *App) TranslateDocument(pdfPath string) (*types.DocumentResult, error) {
	a.mu.Lock()
	if a.processing {
		a.mu.Unlock()
		return nil, types.NewAppError(types.ErrInternal, "已有翻译任务正在进行", nil)
	}
	a.processing = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.processing = false
		a.cancelFunc = nil
		a.mu.Unlock()
	}()

	svc, err := a.service()
	if err != nil {
		a.updateStatusError(err)
		return nil, err
	}

	parent := a.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	a.mu.Lock()
	a.cancelFunc = cancel
	a.mu.Unlock()

	res, err := svc.TranslateDocument(ctx, pdfPath, "")
	if err != nil {
		logger.Error("translation failed", err, logger.String("path", pdfPath))
		a.safeEmit(EventError, err.Error())
		return nil, err
	}

	a.mu.Lock()
	a.lastResult = &res
	a.mu.Unlock()
	a.safeEmit(EventComplete, res)
	return &res, nil
}

// GetStatus returns the current translation status.
func (a *App) GetStatus() types.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// IsProcessing reports whether a translation is running.
func (a *App) IsProcessing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.processing
}

// GetLastResult returns the result of the last successful translation.
func (a *App) GetLastResult() *types.DocumentResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastResult
}

// CancelTranslation cancels the running translation.
func (a *App) CancelTranslation() error {
	logger.Info("cancel translation requested")
	a.mu.Lock()
	cancel := a.cancelFunc
	a.mu.Unlock()

	if cancel == nil {
		logger.Warn("no translation to cancel")
		return types.NewAppError(types.ErrInternal, "没有正在进行的翻译", nil)
	}
	cancel()
	a.updateStatusError(types.NewAppError(types.ErrCancelled, "已取消", nil))
	return nil
}

func (a *App) updateStatusError(err error) {
	a.onStatus(types.Status{Phase: types.PhaseError, Message: "翻译失败", Error: err.Error()})
}

// ListHistory returns past runs, newest first.
func (a *App) ListHistory() ([]*results.RunInfo, error) {
	rm, err := a.resultManager()
	if err != nil {
		return nil, err
	}
	return rm.ListRuns()
}

// GetRunFailures returns the recorded page failures of a run.
func (a *App) GetRunFailures(runID string) ([]*errors.ErrorRecord, error) {
	svc, err := a.service()
	if err != nil {
		return nil, err
	}
	if svc.Errors() == nil {
		return nil, nil
	}
	return svc.Errors().ListRun(runID), nil
}

func (a *App) resultManager() (*results.ResultManager, error) {
	a.mu.Lock()
	svc := a.svc
	a.mu.Unlock()
	if svc != nil && svc.Results() != nil {
		return svc.Results(), nil
	}
	return results.NewResultManager("")
}

// GetConfig returns the current configuration.
func (a *App) GetConfig() *config.Config {
	if a.config == nil {
		return config.Default()
	}
	return a.config.Config()
}

// SaveConfig validates and saves cfg. The next translation uses it.
func (a *App) SaveConfig(cfg *config.Config) error {
	if a.config == nil {
		return types.NewAppError(types.ErrConfig, "配置未初始化", nil)
	}
	if cfg == nil {
		return types.NewAppError(types.ErrConfig, "配置为空", nil)
	}
	if a.IsProcessing() {
		return types.NewAppError(types.ErrInternal, "翻译进行中，无法修改配置", nil)
	}

	prev := a.config.Config()
	a.config.SetConfig(cfg)
	if err := a.config.Config().Validate(); err != nil {
		a.config.SetConfig(prev)
		return err
	}
	if err := a.config.Save(); err != nil {
		return err
	}

	a.mu.Lock()
	old := a.svc
	a.svc = nil
	a.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			logger.Warn("failed to close previous service", logger.Err(err))
		}
	}
	logger.Info("settings saved", logger.String("provider", cfg.Provider))
	return nil
}

// GetFileURL returns the asset-server URL that serves a local file.
func (a *App) GetFileURL(path string) string {
	return fmt.Sprintf("%s%s", filePrefix, path)
}
