package model

import (
	"fmt"
	"os"

	"github.com/bytedance/sonic"

	"github.com/Brownie44l1/leaf-api/internal/preprocess"
)

const (
	defaultInputName  = "input"
	defaultOutputName = "output"
)

// LoadMetadata reads and validates a model manifest.
func LoadMetadata(path string) (*Metadata, error) {
	metaFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := sonic.Unmarshal(metaFile, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := metadata.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metadata %s: %w", path, err)
	}
	return &metadata, nil
}

func (m *Metadata) Validate() error {
	if len(m.InputShape) != 0 && len(m.InputShape) != 4 {
		return fmt.Errorf("input_shape %v: want 4 dimensions", m.InputShape)
	}
	if len(m.InputShape) == 4 && m.InputShape[0] != 1 {
		return fmt.Errorf("input_shape %v: batch dimension must be 1", m.InputShape)
	}
	if len(m.OutputShape) != 0 && (len(m.OutputShape) != 2 || m.OutputShape[0] != 1 || m.OutputShape[1] < 1) {
		return fmt.Errorf("output_shape %v: want [1, classes]", m.OutputShape)
	}
	if len(m.OutputShape) == 2 && len(m.Classes) != 0 && int(m.OutputShape[1]) != len(m.Classes) {
		return fmt.Errorf("output_shape %v does not match %d classes", m.OutputShape, len(m.Classes))
	}
	if m.Normalization != "" {
		if err := preprocess.Normalization(m.Normalization).Validate(); err != nil {
			return err
		}
	}
	if m.Layout != "" {
		if err := preprocess.Layout(m.Layout).Validate(); err != nil {
			return err
		}
	}
	switch m.Outputs {
	case "", OutputsProbabilities, OutputsLogits:
	default:
		return fmt.Errorf("unknown outputs %q", m.Outputs)
	}
	return nil
}

// Apply overrides the fields of opts the manifest pins down.
func (m *Metadata) Apply(opts preprocess.Options) preprocess.Options {
	if m.Layout != "" {
		opts.Layout = preprocess.Layout(m.Layout)
	}
	if m.Normalization != "" {
		opts.Normalization = preprocess.Normalization(m.Normalization)
	}
	switch {
	case len(m.InputShape) == 4 && opts.Layout == preprocess.NCHW:
		opts.Height, opts.Width = int(m.InputShape[2]), int(m.InputShape[3])
	case len(m.InputShape) == 4:
		opts.Height, opts.Width = int(m.InputShape[1]), int(m.InputShape[2])
	case m.ImageSize > 0:
		opts.Height, opts.Width = m.ImageSize, m.ImageSize
	}
	return opts
}

// Resolve fills names and shapes the manifest left out.
func (m Metadata) Resolve(opts preprocess.Options, classes int) Metadata {
	if m.InputName == "" {
		m.InputName = defaultInputName
	}
	if m.OutputName == "" {
		m.OutputName = defaultOutputName
	}
	if len(m.InputShape) == 0 {
		m.InputShape = opts.Shape()
	}
	if len(m.OutputShape) == 0 {
		m.OutputShape = []int64{1, int64(classes)}
	}
	if m.Outputs == "" {
		m.Outputs = OutputsProbabilities
	}
	return m
}
