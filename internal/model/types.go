package model

// Metadata is the manifest shipped next to an exported model. It pins the
// preprocessing pair (size, normalization) the model was trained with.
type Metadata struct {
	InputName     string   `json:"input_name"`
	OutputName    string   `json:"output_name"`
	InputShape    []int64  `json:"input_shape"`
	OutputShape   []int64  `json:"output_shape"`
	Classes       []string `json:"classes"`
	ImageSize     int      `json:"image_size"`
	Normalization string   `json:"normalization"`
	Layout        string   `json:"layout"`
	Outputs       string   `json:"outputs"`
}

const (
	OutputsProbabilities = "probabilities"
	OutputsLogits        = "logits"
)

// Classifier runs one forward pass over a batch of one.
type Classifier interface {
	Predict(input []float32) ([]float32, error)
	InputShape() []int64
	OutputShape() []int64
	Close()
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}
