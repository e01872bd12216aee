package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/kwv/tudoalign/icp"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line.
type AppOptions struct {
	ConfigFile    string
	SourceFile    string
	Algorithm     string
	SpatialIndex  bool
	MaxIterations int
	Seed          int64
	OutputDir     string
	Format        string
	HistoryPath   string
	Quiet         bool
	MqttMode      bool
	HttpMode      bool
	HttpPort      int

	// Set names the flags given explicitly; only those override the
	// configuration file.
	Set map[string]bool
}

// Application is what run dispatches to.
type Application interface {
	ApplyOptions(opts AppOptions)
	RunOnce() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer, app Application) error {
	fs := flag.NewFlagSet("tudoalign", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.SourceFile, "source", "", "Source point cloud (.xyz); empty uses the built-in 10x10x10 grid")
	fs.StringVar(&opts.Algorithm, "algorithm", string(icp.AlgorithmClosedForm), "Alignment estimator: closed_form, point_to_point_lsq or point_to_plane_lsq")
	fs.BoolVar(&opts.SpatialIndex, "spatial-index", false, "Use the k-d tree correspondence finder")
	fs.IntVar(&opts.MaxIterations, "max-iterations", icp.DefaultMaxIterations, "Maximum ICP iterations")
	fs.Int64Var(&opts.Seed, "seed", 1, "Seed for ground-truth synthesis and solver restarts")
	fs.StringVar(&opts.OutputDir, "output-dir", ".", "Directory for rendered artefacts")
	fs.StringVar(&opts.Format, "format", "svg", "Cloud render format: svg, png or both")
	fs.StringVar(&opts.HistoryPath, "history", "", "SQLite run history database (empty disables)")
	fs.BoolVar(&opts.Quiet, "quiet", false, "Suppress per-iteration logging")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Publish results and accept run requests over MQTT")
	fs.BoolVar(&opts.HttpMode, "http", false, "Serve results over HTTP")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port (default 8080)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	opts.Set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { opts.Set[f.Name] = true })

	fmt.Fprintf(out, "tudoalign version: %s\n", Version)
	app.ApplyOptions(opts)

	if opts.MqttMode || opts.HttpMode {
		return app.RunService()
	}
	return app.RunOnce()
}
