// Package pipeline runs one uploaded image through decode, preprocessing, a
// single forward pass and the confidence-threshold decision.
package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leaf-api/internal/labels"
	"github.com/Brownie44l1/leaf-api/internal/metrics"
	"github.com/Brownie44l1/leaf-api/internal/model"
	"github.com/Brownie44l1/leaf-api/internal/preprocess"
)

// Artifacts is one loaded classifier with the label set and preprocessing
// it was resolved against.
type Artifacts struct {
	Classifier model.Classifier
	Labels     labels.Set
	Preprocess preprocess.Options
}

// Loader resolves and opens the artifacts. It is called by Init and Reload,
// so label files and manifests are re-read on every load.
type Loader func() (*Artifacts, error)

type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string) error
}

type Options struct {
	Threshold float64
	// ModelID scopes cached results to one model artifact.
	ModelID string
}

func (o Options) Validate() error {
	if o.Threshold <= 0 || o.Threshold > 1 {
		return fmt.Errorf("confidence threshold %v outside (0, 1]", o.Threshold)
	}
	return nil
}

type loaded struct {
	Artifacts
	fingerprint string
}

// Pipeline holds the shared classifier and label set. Classifications are
// serialized: one upload completes before the next starts.
type Pipeline struct {
	run sync.Mutex

	mu      sync.RWMutex
	active  *loaded
	loadErr error

	loader Loader
	opts   Options
	cache  Cache
	logger *zap.Logger
}

func New(loader Loader, opts Options, logger *zap.Logger) (*Pipeline, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline options: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pipeline{
		loader:  loader,
		opts:    opts,
		logger:  logger,
		loadErr: wrap(KindArtifactLoad, "init", fmt.Errorf("model not loaded")),
	}, nil
}

func (p *Pipeline) SetCache(cache Cache) {
	p.cache = cache
}

// Labels returns the label set of the loaded model, or nil before a load
// succeeds.
func (p *Pipeline) Labels() labels.Set {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.active == nil {
		return nil
	}
	return slices.Clone(p.active.Labels)
}

func (p *Pipeline) Options() Options {
	return p.opts
}

// Init loads the classifier. A failure leaves the pipeline refusing every
// request with ErrArtifactLoad until a later Init succeeds.
func (p *Pipeline) Init() error {
	p.run.Lock()
	defer p.run.Unlock()
	return p.load("init")
}

// Reload replaces the classifier. The previous handle is kept when loading
// fails.
func (p *Pipeline) Reload() error {
	p.run.Lock()
	defer p.run.Unlock()
	return p.load("reload")
}

func (p *Pipeline) load(op string) error {
	start := time.Now()
	a, err := p.loadArtifacts()
	if err != nil {
		lerr := wrap(KindArtifactLoad, op, err)
		p.mu.Lock()
		if p.active == nil {
			p.loadErr = lerr
		}
		ready := p.active != nil
		p.mu.Unlock()

		metrics.ModelReady(ready)
		p.logger.Error("failed to load classifier", zap.String("op", op), zap.Error(err))
		return lerr
	}

	next := &loaded{Artifacts: *a, fingerprint: p.fingerprint(a)}

	p.mu.Lock()
	old := p.active
	p.active = next
	p.loadErr = nil
	p.mu.Unlock()

	if old != nil && old.Classifier != a.Classifier {
		old.Classifier.Close()
	}
	metrics.ModelReady(true)
	p.logger.Info("classifier loaded",
		zap.String("op", op),
		zap.Int64s("input_shape", a.Classifier.InputShape()),
		zap.Int64s("output_shape", a.Classifier.OutputShape()),
		zap.Strings("labels", a.Labels),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (p *Pipeline) loadArtifacts() (a *Artifacts, err error) {
	if p.loader == nil {
		return nil, fmt.Errorf("no model loader configured")
	}
	defer func() {
		if r := recover(); r != nil {
			a, err = nil, fmt.Errorf("loader panicked: %v", r)
		}
	}()

	a, err = p.loader()
	if err != nil {
		return nil, err
	}
	if a == nil || a.Classifier == nil {
		return nil, fmt.Errorf("loader returned no classifier")
	}
	if err := checkArtifacts(a); err != nil {
		a.Classifier.Close()
		return nil, err
	}
	return a, nil
}

func checkArtifacts(a *Artifacts) error {
	if a.Labels.Len() == 0 {
		return fmt.Errorf("empty label set")
	}
	if err := a.Preprocess.Validate(); err != nil {
		return fmt.Errorf("model preprocessing: %w", err)
	}
	c := a.Classifier
	if want := a.Preprocess.Shape(); !slices.Equal(c.InputShape(), want) {
		return fmt.Errorf("model input shape %v does not match preprocessing shape %v", c.InputShape(), want)
	}
	out := c.OutputShape()
	if len(out) != 2 || out[0] != 1 || int(out[1]) != a.Labels.Len() {
		return fmt.Errorf("model output shape %v does not match %d labels", out, a.Labels.Len())
	}
	return nil
}

// Ready returns the artifact load error, or nil once a classifier is loaded.
func (p *Pipeline) Ready() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loadErr
}

func (p *Pipeline) current() (*loaded, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.active == nil {
		return nil, p.loadErr
	}
	return p.active, nil
}

// Close releases the classifier.
func (p *Pipeline) Close() {
	p.run.Lock()
	defer p.run.Unlock()

	p.mu.Lock()
	a := p.active
	p.active = nil
	p.loadErr = wrap(KindArtifactLoad, "close", fmt.Errorf("pipeline closed"))
	p.mu.Unlock()

	if a != nil {
		a.Classifier.Close()
	}
	metrics.ModelReady(false)
}

// Classify runs the full pipeline over an uploaded image. A sub-threshold
// confidence is returned as a Result with Recognized unset, not an error.
func (p *Pipeline) Classify(ctx context.Context, r io.Reader) (*Result, error) {
	const op = "classify"

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, p.fail(wrap(KindInputDecode, op, err))
	}

	p.run.Lock()
	defer p.run.Unlock()

	a, err := p.current()
	if err != nil {
		return nil, p.fail(err)
	}

	start := time.Now()
	key := cacheKey(a.fingerprint, data)
	if result, ok := p.cached(ctx, key); ok {
		p.finished(result, start, true)
		return result, nil
	}

	img, format, err := preprocess.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, p.fail(wrap(KindInputDecode, op, err))
	}
	p.logger.Debug("image decoded",
		zap.String("format", format),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()))

	tensor, err := preprocess.Preprocess(img, a.Preprocess)
	if err != nil {
		return nil, p.fail(wrap(KindInference, "preprocess", err))
	}

	result, err := p.infer(ctx, a, tensor.Data)
	if err != nil {
		return nil, err
	}
	p.store(ctx, key, result)
	return result, nil
}

// ClassifyTensor decides on an already preprocessed input.
func (p *Pipeline) ClassifyTensor(ctx context.Context, input []float32) (*Result, error) {
	p.run.Lock()
	defer p.run.Unlock()

	a, err := p.current()
	if err != nil {
		return nil, p.fail(err)
	}
	if want := shapeSize(a.Classifier.InputShape()); len(input) != want {
		return nil, p.fail(newError(KindInputDecode, "classify_tensor", "expected %d values, got %d", want, len(input)))
	}
	return p.infer(ctx, a, input)
}

// InputSize is the number of values ClassifyTensor expects, or 0 before a
// model is loaded.
func (p *Pipeline) InputSize() int {
	a, err := p.current()
	if err != nil {
		return 0
	}
	return shapeSize(a.Classifier.InputShape())
}

func (p *Pipeline) infer(ctx context.Context, a *loaded, input []float32) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, p.fail(wrap(KindInference, "predict", err))
	}

	start := time.Now()
	probs, err := predict(a.Classifier, input)
	metrics.InferenceDuration(time.Since(start))
	if err != nil {
		return nil, p.fail(wrap(KindInference, "predict", err))
	}

	result, err := Decide(probs, a.Labels, p.opts.Threshold)
	if err != nil {
		return nil, p.fail(err)
	}
	p.finished(result, start, false)
	return result, nil
}

func (p *Pipeline) finished(result *Result, start time.Time, cached bool) {
	outcome := "not_recognized"
	if result.Recognized {
		outcome = "recognized"
	}
	metrics.ClassificationsTotal(outcome)
	p.logger.Info("classification finished",
		zap.String("outcome", outcome),
		zap.String("label", result.Label),
		zap.Float64("confidence", result.Confidence),
		zap.Bool("cached", cached),
		zap.Duration("took", time.Since(start)))
}

func predict(c model.Classifier, input []float32) (probs []float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			probs, err = nil, fmt.Errorf("forward pass panicked: %v", r)
		}
	}()
	return c.Predict(input)
}

func (p *Pipeline) fail(err error) error {
	metrics.ClassificationsTotal(string(KindOf(err)))
	p.logger.Warn("classification failed", zap.String("kind", string(KindOf(err))), zap.Error(err))
	return err
}

func (p *Pipeline) fingerprint(a *Artifacts) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%+v|%v|%q", p.opts.ModelID, a.Preprocess, p.opts.Threshold, []string(a.Labels))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func cacheKey(fingerprint string, data []byte) string {
	sum := sha256.Sum256(data)
	return fingerprint + ":" + hex.EncodeToString(sum[:])
}

func (p *Pipeline) cached(ctx context.Context, key string) (*Result, bool) {
	if p.cache == nil {
		return nil, false
	}
	val, found, err := p.cache.Get(ctx, key)
	if err != nil {
		p.logger.Warn("cache get error", zap.Error(err))
		return nil, false
	}
	metrics.CacheLookup(found)
	if !found {
		return nil, false
	}

	var result Result
	if err := sonic.UnmarshalString(val, &result); err != nil {
		p.logger.Warn("cache entry unreadable", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	p.logger.Debug("served from cache", zap.String("key", key))
	return &result, true
}

func (p *Pipeline) store(ctx context.Context, key string, result *Result) {
	if p.cache == nil {
		return
	}
	val, err := sonic.MarshalString(result)
	if err != nil {
		p.logger.Warn("cache encode error", zap.Error(err))
		return
	}
	if err := p.cache.Set(ctx, key, val); err != nil {
		p.logger.Warn("cache set error", zap.Error(err))
	}
}

func shapeSize(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}
