// Package queue runs document translation as asynq tasks on Redis.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"page-translator/internal/logger"
	"page-translator/internal/types"
)

// TypeTranslateDocument is the task type of a document translation.
const TypeTranslateDocument = "document:translate"

// Defaults for tasks and the worker.
const (
	DefaultMaxRetry  = 2
	DefaultTimeout   = 2 * time.Hour
	DefaultRetention = 24 * time.Hour
)

// Payload is the body of a translate task.
type Payload struct {
	JobID     string `json:"job_id"`
	Path      string `json:"path"`
	OutputDir string `json:"output_dir,omitempty"`
}

// DocumentTranslator is the part of pipeline.Service the worker uses.
type DocumentTranslator interface {
	TranslateDocument(ctx context.Context, docPath, outputDir string) (types.DocumentResult, error)
}

// NewTranslateTask builds a task for p, assigning a job ID when p has none.
func NewTranslateTask(p Payload) (*asynq.Task, Payload, error) {
	if p.Path == "" {
		return nil, p, types.NewAppError(types.ErrInvalidInput, "task path is required", nil)
	}
	if p.JobID == "" {
		p.JobID = uuid.NewString()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, p, fmt.Errorf("failed to marshal task payload: %w", err)
	}
	return asynq.NewTask(TypeTranslateDocument, data), p, nil
}

func parseRedis(url string) (asynq.RedisConnOpt, error) {
	if url == "" {
		return nil, types.NewAppError(types.ErrConfig, "Redis URL is required for the queue", nil)
	}
	opt, err := asynq.ParseRedisURI(url)
	if err != nil {
		return nil, types.NewAppErrorWithDetails(types.ErrConfig, "invalid Redis URL", url, err)
	}
	return opt, nil
}

// Client enqueues translate tasks.
type Client struct {
	client *asynq.Client
	queue  string
}

// NewClient connects to the queue at redisURL.
func NewClient(redisURL, queue string) (*Client, error) {
	opt, err := parseRedis(redisURL)
	if err != nil {
		return nil, err
	}
	return &Client{client: asynq.NewClient(opt), queue: queue}, nil
}

// Enqueue submits docPath for translation and returns the submitted payload.
func (c *Client) Enqueue(ctx context.Context, docPath, outputDir string) (Payload, error) {
	task, p, err := NewTranslateTask(Payload{Path: docPath, OutputDir: outputDir})
	if err != nil {
		return p, err
	}
	info, err := c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.queue),
		asynq.TaskID(p.JobID),
		asynq.MaxRetry(DefaultMaxRetry),
		asynq.Timeout(DefaultTimeout),
		asynq.Retention(DefaultRetention))
	if err != nil {
		return p, fmt.Errorf("failed to enqueue task: %w", err)
	}
	logger.Info("task enqueued",
		logger.String("job", p.JobID),
		logger.String("queue", info.Queue),
		logger.String("path", docPath))
	return p, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	Translator  DocumentTranslator
}

// Worker consumes translate tasks.
type Worker struct {
	server     *asynq.Server
	mux        *asynq.ServeMux
	translator DocumentTranslator
	queue      string
}

// NewWorker creates a worker; nothing connects until Run.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Translator == nil {
		return nil, types.NewAppError(types.ErrConfig, "translator is required", nil)
	}
	opt, err := parseRedis(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	w := &Worker{translator: cfg.Translator, queue: cfg.QueueName}
	w.server = asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			cfg.QueueName: 10,
			"default":     1,
		},
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			// 30s, 60s, 120s ... capped at 10m
			delay := time.Duration(30*(1<<uint(n))) * time.Second
			if delay > 10*time.Minute {
				delay = 10 * time.Minute
			}
			return delay
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("task failed", err,
				logger.String("type", task.Type()),
				logger.String("payload", string(task.Payload())))
		}),
		Logger: asynqLogger{},
	})
	w.mux = asynq.NewServeMux()
	w.mux.HandleFunc(TypeTranslateDocument, w.HandleTranslate)
	return w, nil
}

// Run processes tasks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	logger.Info("queue worker starting", logger.String("queue", w.queue))
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	<-ctx.Done()
	logger.Info("queue worker stopping")
	w.server.Shutdown()
	return nil
}

// HandleTranslate runs one translate task. Document errors that cannot
// succeed on retry skip asynq's retries.
func (w *Worker) HandleTranslate(ctx context.Context, task *asynq.Task) error {
	var p Payload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.Path == "" {
		return fmt.Errorf("task %s has no path: %w", p.JobID, asynq.SkipRetry)
	}

	start := time.Now()
	logger.Info("processing task", logger.String("job", p.JobID), logger.String("path", p.Path))

	res, err := w.translator.TranslateDocument(ctx, p.Path, p.OutputDir)
	if err != nil {
		if !retryable(err) {
			return fmt.Errorf("job %s: %v: %w", p.JobID, err, asynq.SkipRetry)
		}
		return fmt.Errorf("job %s: %w", p.JobID, err)
	}

	if rw := task.ResultWriter(); rw != nil {
		data, err := json.Marshal(res)
		if err == nil {
			_, err = rw.Write(data)
		}
		if err != nil {
			logger.Warn("failed to write task result", logger.String("job", p.JobID), logger.Err(err))
		}
	}

	logger.Info("task complete",
		logger.String("job", p.JobID),
		logger.String("run", res.RunID),
		logger.String("output", res.OutputPDF),
		logger.Int64("durationMs", time.Since(start).Milliseconds()))
	return nil
}

// retryable reports whether a failed document may succeed on a later attempt.
func retryable(err error) bool {
	switch types.CodeOf(err) {
	case types.ErrConfig, types.ErrFileNotFound, types.ErrInvalidInput:
		return false
	default:
		return true
	}
}

// asynqLogger routes asynq's own logging through the application logger.
type asynqLogger struct{}

func (asynqLogger) Debug(args ...interface{}) { logger.Debug(fmt.Sprint(args...)) }
func (asynqLogger) Info(args ...interface{})  { logger.Info(fmt.Sprint(args...)) }
func (asynqLogger) Warn(args ...interface{})  { logger.Warn(fmt.Sprint(args...)) }
func (asynqLogger) Error(args ...interface{}) { logger.Error(fmt.Sprint(args...), nil) }
func (asynqLogger) Fatal(args ...interface{}) {
	logger.Error(fmt.Sprint(args...), nil)
	logger.Close()
	os.Exit(1)
}
