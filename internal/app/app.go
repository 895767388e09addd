// Package app wires configuration, the model manifest, the label source and
// the ONNX classifier into a pipeline.
package app

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/Brownie44l1/leaf-api/internal/config"
	"github.com/Brownie44l1/leaf-api/internal/labels"
	"github.com/Brownie44l1/leaf-api/internal/model"
	"github.com/Brownie44l1/leaf-api/internal/pipeline"
	"github.com/Brownie44l1/leaf-api/internal/preprocess"
)

// Resolved is everything the pipeline needs besides the loaded model.
type Resolved struct {
	Labels     labels.Set
	Preprocess preprocess.Options
	Metadata   model.Metadata
}

// Resolve reads the manifest and label sources named by cfg. Label priority:
// LABELS_PATH, then the manifest classes, then the literal LABELS list.
func Resolve(cfg config.ModelConfig) (*Resolved, error) {
	opts := cfg.Preprocess()

	var meta model.Metadata
	if cfg.MetadataPath != "" {
		m, err := model.LoadMetadata(cfg.MetadataPath)
		if err != nil {
			return nil, err
		}
		meta = *m
		opts = meta.Apply(opts)
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("model preprocessing: %w", err)
	}

	var (
		set labels.Set
		err error
	)
	switch {
	case cfg.LabelsPath != "":
		set, err = labels.Load(cfg.LabelsPath)
	case len(meta.Classes) > 0:
		set, err = labels.FromList(meta.Classes)
	default:
		set, err = labels.FromList(cfg.Labels)
	}
	if err != nil {
		return nil, err
	}

	return &Resolved{
		Labels:     set,
		Preprocess: opts,
		Metadata:   meta.Resolve(opts, set.Len()),
	}, nil
}

// Opener opens a classifier for a resolved manifest.
type Opener func(model.Config) (model.Classifier, error)

// OpenONNX opens the model with ONNX Runtime.
func OpenONNX(cfg model.Config) (model.Classifier, error) {
	s, err := model.NewServer(cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Loader returns a pipeline loader that re-reads the manifest and labels
// and then opens the model at cfg.Path on every call.
func Loader(cfg config.ModelConfig, open Opener) pipeline.Loader {
	return func() (*pipeline.Artifacts, error) {
		res, err := Resolve(cfg)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(cfg.Path); err != nil {
			return nil, fmt.Errorf("model artifact: %w", err)
		}
		c, err := open(model.Config{
			ModelPath:   cfg.Path,
			LibraryPath: cfg.LibraryPath,
			Metadata:    res.Metadata,
		})
		if err != nil {
			return nil, err
		}
		return &pipeline.Artifacts{
			Classifier: c,
			Labels:     res.Labels,
			Preprocess: res.Preprocess,
		}, nil
	}
}

// NewPipeline builds a pipeline without loading anything. Missing or corrupt
// labels, manifest or model surface from Init and Reload as ErrArtifactLoad.
func NewPipeline(cfg config.ModelConfig, open Opener, logger *zap.Logger) (*pipeline.Pipeline, error) {
	return pipeline.New(Loader(cfg, open), pipeline.Options{
		Threshold: cfg.Threshold,
		ModelID:   cfg.Path,
	}, logger)
}
