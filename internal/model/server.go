package model

import (
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"gonum.org/v1/gonum/floats"
)

// Config locates an ONNX model and describes its bound tensors.
type Config struct {
	ModelPath   string
	LibraryPath string
	Metadata    Metadata
}

// Server is a Classifier backed by an ONNX Runtime session. The input and
// output tensors are bound to the session once, so Predict calls are
// serialized.
type Server struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

var envOnce sync.Mutex

func initEnvironment(libraryPath string) error {
	envOnce.Lock()
	defer envOnce.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// Shutdown releases the ONNX Runtime environment. Call it once at process
// exit after every Server is closed.
func Shutdown() {
	envOnce.Lock()
	defer envOnce.Unlock()

	if ort.IsInitialized() {
		ort.DestroyEnvironment()
	}
}

func NewServer(cfg Config) (*Server, error) {
	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, err
	}

	metadata := cfg.Metadata
	inputShape := ort.NewShape(metadata.InputShape...)
	outputShape := ort.NewShape(metadata.OutputShape...)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Server{
		session:      session,
		Metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (s *Server) InputShape() []int64 {
	return s.Metadata.InputShape
}

func (s *Server) OutputShape() []int64 {
	return s.Metadata.OutputShape
}

// Predict returns one probability per class. Logit outputs are softmaxed
// when the manifest says so.
func (s *Server) Predict(inputData []float32) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, fmt.Errorf("model server is closed")
	}
	in := s.inputTensor.GetData()
	if len(inputData) != len(in) {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(inputData), len(in))
	}
	copy(in, inputData)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	outputData := s.outputTensor.GetData()
	out := make([]float32, len(outputData))
	copy(out, outputData)

	if s.Metadata.Outputs == OutputsLogits {
		return Softmax(out), nil
	}
	return out, nil
}

func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inputTensor != nil {
		s.inputTensor.Destroy()
		s.inputTensor = nil
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
		s.outputTensor = nil
	}
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
}

// Softmax converts logits into probabilities. It is numerically stable for
// large logits.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	v := make([]float64, len(logits))
	for i, l := range logits {
		v[i] = float64(l)
	}
	floats.AddConst(-floats.Max(v), v)
	for i := range v {
		v[i] = math.Exp(v[i])
	}
	floats.Scale(1/floats.Sum(v), v)

	out := make([]float32, len(v))
	for i, p := range v {
		out[i] = float32(p)
	}
	return out
}
