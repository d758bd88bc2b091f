package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"page-translator/internal/config"
	"page-translator/internal/types"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	t.Setenv(config.EnvAPIKey, "")
	t.Setenv(config.EnvGeminiAPIKey, "")
	t.Setenv(config.EnvPrefix+"PROVIDER", "")

	app, err := NewAppWithConfig(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("NewAppWithConfig() returned error: %v", err)
	}
	return app
}

func TestNewApp(t *testing.T) {
	app := NewApp()
	if app == nil {
		t.Fatal("NewApp() returned nil")
	}
	if app.GetStatus().Phase != types.PhaseIdle {
		t.Errorf("initial phase = %q, want idle", app.GetStatus().Phase)
	}
	if app.IsProcessing() {
		t.Error("new app should not be processing")
	}
}

func TestNewAppWithConfig(t *testing.T) {
	app := newTestApp(t)
	if app.config == nil {
		t.Fatal("App config should not be nil")
	}
	if got := app.GetConfig().Provider; got != config.DefaultProvider {
		t.Errorf("provider = %q, want %q", got, config.DefaultProvider)
	}
}

func TestApp_StartupShutdown(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	app.startup(ctx)
	if app.ctx != ctx {
		t.Error("Context was not set correctly")
	}
	// shutdown with no service and no running job must be a no-op
	app.shutdown(ctx)
}

func TestApp_CancelWithoutTranslation(t *testing.T) {
	app := newTestApp(t)
	err := app.CancelTranslation()
	if err == nil {
		t.Fatal("expected an error when nothing is running")
	}
	if app.GetStatus().Phase != types.PhaseIdle {
		t.Errorf("status changed to %q", app.GetStatus().Phase)
	}
}

func TestApp_TranslateWithoutKey(t *testing.T) {
	app := newTestApp(t)
	app.startup(context.Background())

	_, err := app.TranslateDocument(filepath.Join(t.TempDir(), "doc.pdf"))
	if !types.IsCode(err, types.ErrConfig) {
		t.Fatalf("err = %v, want config error", err)
	}
	if app.IsProcessing() {
		t.Error("processing flag not cleared")
	}
	st := app.GetStatus()
	if st.Phase != types.PhaseError || st.Error == "" {
		t.Errorf("status = %+v, want error phase", st)
	}
	if app.GetLastResult() != nil {
		t.Error("last result set after a failed run")
	}
}

func TestApp_SaveConfig(t *testing.T) {
	app := newTestApp(t)

	if err := app.SaveConfig(nil); !types.IsCode(err, types.ErrConfig) {
		t.Errorf("nil config: err = %v", err)
	}

	cfg := app.GetConfig()
	cfg.APIKey = "sk-test"
	cfg.DPI = 150
	if err := app.SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	reloaded := newTestAppAt(t, app.config.GetConfigPath())
	if got := reloaded.GetConfig(); got.APIKey != "sk-test" || got.DPI != 150 {
		t.Errorf("reloaded config = %+v", got)
	}

	bad := app.GetConfig()
	bad.Provider = "nope"
	if err := app.SaveConfig(bad); !types.IsCode(err, types.ErrConfig) {
		t.Errorf("invalid provider: err = %v", err)
	}
}

func newTestAppAt(t *testing.T, path string) *App {
	t.Helper()
	app, err := NewAppWithConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := app.config.Load(); err != nil {
		t.Fatal(err)
	}
	return app
}

func TestFileHandler(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page 1.png")
	if err := os.WriteFile(path, []byte("png-bytes"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		target string
		code   int
	}{
		{"existing file", filePrefix + url.PathEscape(path), http.StatusOK},
		{"missing file", filePrefix + url.PathEscape(filepath.Join(dir, "gone.png")), http.StatusNotFound},
		{"directory", filePrefix + url.PathEscape(dir), http.StatusNotFound},
		{"other prefix", "/pdf/x.pdf", http.StatusNotFound},
	}

	h := &FileHandler{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://wails.localhost/", nil)
			req.URL.Path = tt.target
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d", rec.Code, tt.code)
			}
			if tt.code == http.StatusOK && rec.Body.String() != "png-bytes" {
				t.Errorf("body = %q", rec.Body.String())
			}
		})
	}
}

func TestApp_GetFileURL(t *testing.T) {
	app := NewApp()
	if got := app.GetFileURL("/tmp/out/a.pdf"); !strings.HasPrefix(got, filePrefix) || !strings.HasSuffix(got, "a.pdf") {
		t.Errorf("GetFileURL = %q", got)
	}
}
