// Command classify runs one image through the classifier and prints the
// verdict.
//
//	classify [flags] <image.jpg|image.png>
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leaf-api/internal/app"
	"github.com/Brownie44l1/leaf-api/internal/config"
	"github.com/Brownie44l1/leaf-api/internal/logger"
	"github.com/Brownie44l1/leaf-api/internal/model"
	"github.com/Brownie44l1/leaf-api/internal/pipeline"
)

var openModel app.Opener = app.OpenONNX

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config error: %v\n", err)
		return 2
	}
	m := cfg.Model

	fs := flag.NewFlagSet("classify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&m.Path, "model", m.Path, "path to the ONNX model")
	fs.StringVar(&m.MetadataPath, "metadata", m.MetadataPath, "path to the model manifest JSON")
	fs.StringVar(&m.LabelsPath, "labels", m.LabelsPath, "newline-delimited label file")
	fs.StringVar(&m.LibraryPath, "onnx-lib", m.LibraryPath, "path to the onnxruntime shared library")
	fs.IntVar(&m.InputWidth, "width", m.InputWidth, "model input width")
	fs.IntVar(&m.InputHeight, "height", m.InputHeight, "model input height")
	fs.StringVar(&m.Normalization, "normalization", m.Normalization, "tanh-range or unit-range")
	fs.Float64Var(&m.Threshold, "threshold", m.Threshold, "minimum confidence to report a class")
	classes := fs.String("classes", strings.Join(m.Labels, ","), "comma-separated labels")
	asJSON := fs.Bool("json", false, "print the full result as JSON")
	verbose := fs.Bool("v", false, "log pipeline steps to stderr")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: classify [flags] <image>")
		fs.PrintDefaults()
		return 2
	}
	m.Labels = strings.Split(*classes, ",")

	cfg.Model = m
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "config error: %v\n", err)
		return 2
	}

	log := zap.NewNop()
	if *verbose {
		if log, err = logger.New("debug"); err != nil {
			fmt.Fprintf(stderr, "logger error: %v\n", err)
			return 2
		}
		defer log.Sync()
	}

	p, err := app.NewPipeline(m, openModel, log)
	if err != nil {
		return report(stderr, err)
	}
	defer model.Shutdown()
	defer p.Close()

	if err := p.Init(); err != nil {
		return report(stderr, err)
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "open image: %v\n", err)
		return 1
	}
	defer f.Close()

	result, err := p.Classify(context.Background(), f)
	if err != nil {
		return report(stderr, err)
	}

	if *asJSON {
		out, err := sonic.ConfigDefault.MarshalIndent(result, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "encode result: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, string(out))
		return 0
	}
	fmt.Fprintln(stdout, result.String())
	return 0
}

func report(stderr io.Writer, err error) int {
	switch pipeline.KindOf(err) {
	case pipeline.KindArtifactLoad:
		fmt.Fprintf(stderr, "model could not be loaded: %v\n", err)
	case pipeline.KindInputDecode:
		fmt.Fprintf(stderr, "image could not be decoded (JPEG or PNG required): %v\n", err)
	case pipeline.KindLabelMismatch:
		fmt.Fprintf(stderr, "label set does not match the model: %v\n", err)
	default:
		fmt.Fprintf(stderr, "prediction failed: %v\n", err)
	}
	return 1
}
