package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/tudoalign/history"
	"github.com/kwv/tudoalign/icp"
	"github.com/kwv/tudoalign/report"
)

// runRecord is one finished registration as the service keeps it.
type runRecord struct {
	ID      string
	Config  icp.Config
	Result  *icp.Result
	Truth   icp.RigidTransform
	Summary report.Summary
}

// runQueueSize bounds the MQTT run requests waiting for the worker.
const runQueueSize = 8

// App encapsulates the application state and dependencies
type App struct {
	Config    icp.Config
	Opts      AppOptions
	Publisher *report.Publisher
	History   *history.Store
	Out       io.Writer

	mu   sync.RWMutex
	last *runRecord

	requests   chan report.RunRequest
	workerOnce sync.Once
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Config:   icp.DefaultConfig(),
		Out:      os.Stdout,
		requests: make(chan report.RunRequest, runQueueSize),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.Opts = opts
}

// loadConfig reads the configuration file and overlays explicitly set flags.
// A missing default config.yaml falls back to the built-in defaults.
func (a *App) loadConfig() error {
	cfg, err := icp.LoadConfig(a.Opts.ConfigFile)
	if err != nil {
		if _, statErr := os.Stat(a.Opts.ConfigFile); !errors.Is(statErr, os.ErrNotExist) || a.Opts.Set["config"] {
			return fmt.Errorf("failed to load config: %w (looked at %s)", err, a.Opts.ConfigFile)
		}
		def := icp.DefaultConfig()
		def.ApplyEnv()
		cfg = &def
		log.Printf("No config at %s, using defaults", a.Opts.ConfigFile)
	} else {
		log.Printf("Loaded config from %s", a.Opts.ConfigFile)
	}

	set := a.Opts.Set
	if set["source"] {
		cfg.SourceFile = a.Opts.SourceFile
	}
	if set["algorithm"] {
		cfg.Algorithm = icp.Algorithm(a.Opts.Algorithm)
	}
	if set["spatial-index"] {
		cfg.UseSpatialIndex = a.Opts.SpatialIndex
	}
	if set["max-iterations"] {
		cfg.MaxIterations = a.Opts.MaxIterations
	}
	if set["seed"] {
		cfg.Seed = a.Opts.Seed
	}
	if set["output-dir"] {
		cfg.Output.Dir = a.Opts.OutputDir
	}
	if set["format"] {
		cfg.Output.Format = a.Opts.Format
	}
	if set["history"] {
		cfg.History.Path = a.Opts.HistoryPath
	}
	if set["quiet"] {
		cfg.Quiet = a.Opts.Quiet
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.Config = *cfg
	return nil
}

func (a *App) openHistory() error {
	if a.Config.History.Path == "" || a.History != nil {
		return nil
	}
	store, err := history.Open(a.Config.History.Path)
	if err != nil {
		return fmt.Errorf("opening run history: %w", err)
	}
	a.History = store
	log.Printf("Recording runs in %s", a.Config.History.Path)
	return nil
}

// Execute runs one registration with cfg, then records and publishes it.
// Recording and publishing failures are logged; the run still counts.
func (a *App) Execute(cfg icp.Config) (*runRecord, error) {
	problem, err := icp.NewProblem(cfg, nil)
	if err != nil {
		return nil, err
	}
	res, err := icp.Register(problem.Source, problem.Target, cfg)
	if err != nil {
		return nil, err
	}

	rec := &runRecord{
		ID:     history.NewRunID(),
		Config: cfg,
		Result: res,
		Truth:  problem.Truth,
	}
	rec.Summary = report.NewSummary(rec.ID, res, &rec.Truth)

	if a.History != nil {
		if _, err := a.History.Save(rec.Summary, cfg); err != nil {
			log.Printf("Warning: failed to record run %s: %v", rec.ID, err)
		}
	}
	if a.Publisher != nil {
		if err := a.Publisher.PublishSummary(rec.Summary); err != nil {
			log.Printf("Warning: failed to publish run %s: %v", rec.ID, err)
		} else if err := a.Publisher.PublishClouds(rec.ID, res.Clouds()); err != nil {
			log.Printf("Warning: failed to publish clouds of run %s: %v", rec.ID, err)
		}
	}

	a.mu.Lock()
	a.last = rec
	a.mu.Unlock()
	return rec, nil
}

// Last returns the most recent run, or nil before the first one finishes.
func (a *App) Last() *runRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

// RunOnce registers, writes the artefacts and prints the outcome.
func (a *App) RunOnce() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	if err := a.openHistory(); err != nil {
		return err
	}
	if a.History != nil {
		defer a.History.Close()
	}

	rec, err := a.Execute(a.Config)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	if err := writeArtifacts(rec, a.Config.Output); err != nil {
		return err
	}
	printSummary(a.Out, rec)
	return nil
}

// printSummary writes a human-readable report of rec.
func printSummary(w io.Writer, rec *runRecord) {
	s := rec.Summary
	fmt.Fprintf(w, "Run %s\n", s.RunID)
	fmt.Fprintf(w, "  algorithm:       %s (%s)\n", s.Algorithm, s.Correspondence)
	fmt.Fprintf(w, "  status:          %s after %d iterations\n", s.Status, s.Iterations)
	fmt.Fprintf(w, "  residual:        %.6g (initial %.6g)\n", s.Residual, s.InitialResidual)
	fmt.Fprintf(w, "  elapsed:         %.3f ms\n", s.ElapsedMs)
	fmt.Fprintf(w, "  transform:\n%s\n", s.Transform)
	if s.RotationError != nil {
		fmt.Fprintf(w, "  rotation error:  %.3g\n", *s.RotationError)
		fmt.Fprintf(w, "  translation err: %.3g\n", *s.TranslationError)
	}
}

// writeArtifacts renders rec into out.Dir.
func writeArtifacts(rec *runRecord, out icp.OutputConfig) error {
	dir := out.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}

	res := rec.Result
	vr := report.NewVectorRenderer(res.Clouds())
	writers := map[string]func(io.Writer) error{
		"summary.json": func(w io.Writer) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(rec.Summary)
		},
		"clouds.geojson": func(w io.Writer) error {
			data, err := report.DefaultProjection().GeoJSON(res.Clouds()).MarshalJSON()
			if err != nil {
				return err
			}
			_, err = w.Write(data)
			return err
		},
		"residuals.png": func(w io.Writer) error {
			return report.WriteResidualPNG(w, res, rec.Config.Tolerance)
		},
		"residuals.html": func(w io.Writer) error {
			return report.WriteResidualHTML(w, res, rec.Config.Tolerance)
		},
	}
	if out.Format == "svg" || out.Format == "both" || out.Format == "" {
		writers["clouds.svg"] = vr.RenderToSVG
	}
	if out.Format == "png" || out.Format == "both" {
		writers["clouds.png"] = vr.RenderToPNG
	}

	for name, write := range writers {
		path := filepath.Join(dir, name)
		if err := writeFile(path, write); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		log.Printf("Wrote %s", path)
	}
	return nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// handleRunRequest runs a registration requested over MQTT or HTTP.
func (a *App) handleRunRequest(req report.RunRequest) (*runRecord, error) {
	cfg, err := req.Apply(a.Config)
	if err != nil {
		return nil, err
	}
	return a.Execute(cfg)
}

// subscribe queues MQTT run requests for the run worker, starting it on
// first use.
func (a *App) subscribe(client mqtt.Client) error {
	a.workerOnce.Do(func() { go a.runWorker() })
	return report.SubscribeRuns(client, a.Publisher.Prefix(), func(req report.RunRequest) {
		a.enqueueRun(req)
	})
}

// enqueueRun hands req to the worker without blocking the paho router. A
// full queue drops the request.
func (a *App) enqueueRun(req report.RunRequest) bool {
	select {
	case a.requests <- req:
		return true
	default:
		log.Printf("Run queue full (%d waiting), dropping request", cap(a.requests))
		return false
	}
}

// runWorker executes queued requests one at a time.
func (a *App) runWorker() {
	for req := range a.requests {
		rec, err := a.handleRunRequest(req)
		if err != nil {
			log.Printf("Run request failed: %v", err)
			continue
		}
		log.Printf("Run %s finished: %s", rec.ID, rec.Result.Status)
	}
}

// RunService runs an initial registration and then serves results over MQTT
// and/or HTTP until interrupted.
func (a *App) RunService() error {
	fmt.Fprintln(a.Out, "Starting tudoalign service...")

	if err := a.loadConfig(); err != nil {
		return err
	}
	if err := a.openHistory(); err != nil {
		return err
	}
	if a.History != nil {
		defer a.History.Close()
	}

	var client mqtt.Client
	if a.Opts.MqttMode {
		c, err := report.Connect(a.Config.MQTT, 10*time.Second)
		if err != nil {
			return fmt.Errorf("failed to connect to MQTT: %w", err)
		}
		if c != nil {
			client = c
			defer client.Disconnect(250)
			a.Publisher = report.NewPublisher(client, a.Config.MQTT.PublishPrefix)
			if err := a.subscribe(client); err != nil {
				return err
			}
		}
	}

	if _, err := a.Execute(a.Config); err != nil {
		log.Printf("Initial registration failed: %v", err)
	}

	var srv *http.Server
	if a.Opts.HttpMode {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.Opts.HttpPort),
			Handler:           newHTTPServer(a),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("HTTP server listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Fprintln(a.Out, "\nShutting down...")

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("HTTP shutdown error: %v", err)
		}
	}
	return nil
}
