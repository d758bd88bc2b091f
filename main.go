package main

import (
	"context"
	"embed"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"page-translator/internal/logger"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"github.com/wailsapp/wails/v2/pkg/runtime"
)

//go:embed all:frontend/dist
var assets embed.FS

// filePrefix is the asset-server path under which local files are served.
const filePrefix = "/file/"

var pdfFlag = flag.String("pdf", "", "PDF file to translate on startup")

// FileHandler serves local output files (translated PDFs and page previews)
// to the webview.
type FileHandler struct{}

func (h *FileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, filePrefix) {
		http.NotFound(w, r)
		return
	}

	// URL format: /file/C:/path/to/page.png or /file//abs/path/page.png
	filePath, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, filePrefix))
	if err != nil || filePath == "" {
		http.NotFound(w, r)
		return
	}

	info, err := os.Stat(filePath)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filePath)
}

func main() {
	flag.Parse()

	// 桌面模式只写日志文件
	logCfg := logger.DefaultConfig()
	logCfg.LogFilePath = "page-translator.log"
	logCfg.EnableConsole = false
	if err := logger.Init(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
	}
	defer logger.Close()

	app := NewApp()
	app.SetWailsRuntime(true)

	startupFunc := func(ctx context.Context) {
		app.startup(ctx)

		if *pdfFlag != "" {
			go func() {
				if _, err := app.TranslateDocument(*pdfFlag); err != nil {
					fmt.Fprintf(os.Stderr, "翻译失败: %v\n", err)
				}
			}()
		}
	}

	err := wails.Run(&options.App{
		Title:  "页译",
		Width:  1024,
		Height: 768,
		AssetServer: &assetserver.Options{
			Assets:  assets,
			Handler: &FileHandler{},
		},
		BackgroundColour: &options.RGBA{R: 27, G: 38, B: 54, A: 1},
		OnStartup:        startupFunc,
		OnShutdown:       app.shutdown,
		OnBeforeClose: func(ctx context.Context) (prevent bool) {
			if !app.IsProcessing() {
				return false
			}
			result, err := runtime.MessageDialog(ctx, runtime.MessageDialogOptions{
				Type:          runtime.QuestionDialog,
				Title:         "确认退出",
				Message:       "翻译任务正在进行中，确定要退出吗？\n退出后当前任务将被取消。",
				Buttons:       []string{"取消", "退出"},
				DefaultButton: "取消",
				CancelButton:  "取消",
			})
			if err != nil {
				return false
			}
			if result == "取消" {
				return true
			}
			_ = app.CancelTranslation()
			return false
		},
		Bind: []interface{}{
			app,
		},
	})
	if err != nil {
		logger.Error("application exited with error", err)
	}
}
