package classifier

import (
	"context"
	"encoding/gob"
	"fmt"
	"image"
	"os"
	"sync"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/thyrook/livefen/internal/board"
	"github.com/thyrook/livefen/internal/vision"
)

const (
	// DefaultInputSize is the square crop side fed to the network
	DefaultInputSize = 32

	modelType    = "PieceCNN"
	modelVersion = "1.0"
)

// PieceCNN is a small convolutional network that labels one square crop
// at a time with one of the 13 piece classes.
//
// Architecture:
//
//	input [1, 3, S, S]
//	conv 3x3 (3 -> 16) + ReLU + maxpool 2x2
//	conv 3x3 (16 -> 32) + ReLU + maxpool 2x2
//	fc (32*S/4*S/4 -> 128) + ReLU
//	fc (128 -> 13) + softmax
type PieceCNN struct {
	g     *gorgonia.ExprGraph
	input *gorgonia.Node

	conv1W, conv1B *gorgonia.Node
	conv2W, conv2B *gorgonia.Node
	fc1W, fc1B     *gorgonia.Node
	fc2W, fc2B     *gorgonia.Node

	output *gorgonia.Node
	vm     gorgonia.VM

	inputSize int
	labels    LabelOrder

	// the tape machine is single-use per run
	mu sync.Mutex
}

// ModelMetadata stores model information
type ModelMetadata struct {
	Version    string
	ModelType  string
	InputSize  int
	LabelOrder string
}

// NewPieceCNN creates a randomly initialised network for inputSize x inputSize crops
func NewPieceCNN(inputSize int, labels LabelOrder) (*PieceCNN, error) {
	if inputSize < 4 || inputSize%4 != 0 {
		return nil, fmt.Errorf("input size must be a positive multiple of 4, got %d", inputSize)
	}

	g := gorgonia.NewGraph()
	input := gorgonia.NewTensor(g, tensor.Float64, 4, gorgonia.WithShape(1, 3, inputSize, inputSize), gorgonia.WithName("input"))

	conv1W := gorgonia.NewTensor(g, tensor.Float64, 4, gorgonia.WithShape(16, 3, 3, 3), gorgonia.WithName("conv1_w"), gorgonia.WithInit(gorgonia.GlorotU(1.0)))
	conv1B := gorgonia.NewTensor(g, tensor.Float64, 4, gorgonia.WithShape(1, 16, 1, 1), gorgonia.WithName("conv1_b"), gorgonia.WithInit(gorgonia.Zeroes()))
	conv2W := gorgonia.NewTensor(g, tensor.Float64, 4, gorgonia.WithShape(32, 16, 3, 3), gorgonia.WithName("conv2_w"), gorgonia.WithInit(gorgonia.GlorotU(1.0)))
	conv2B := gorgonia.NewTensor(g, tensor.Float64, 4, gorgonia.WithShape(1, 32, 1, 1), gorgonia.WithName("conv2_b"), gorgonia.WithInit(gorgonia.Zeroes()))

	conv1, err := gorgonia.Conv2d(input, conv1W, tensor.Shape{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, fmt.Errorf("conv1 failed: %w", err)
	}
	conv1 = gorgonia.Must(gorgonia.BroadcastAdd(conv1, conv1B, nil, []byte{0, 2, 3}))
	conv1 = gorgonia.Must(gorgonia.Rectify(conv1))
	pool1, err := gorgonia.MaxPool2D(conv1, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2})
	if err != nil {
		return nil, fmt.Errorf("pool1 failed: %w", err)
	}

	conv2, err := gorgonia.Conv2d(pool1, conv2W, tensor.Shape{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, fmt.Errorf("conv2 failed: %w", err)
	}
	conv2 = gorgonia.Must(gorgonia.BroadcastAdd(conv2, conv2B, nil, []byte{0, 2, 3}))
	conv2 = gorgonia.Must(gorgonia.Rectify(conv2))
	pool2, err := gorgonia.MaxPool2D(conv2, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2})
	if err != nil {
		return nil, fmt.Errorf("pool2 failed: %w", err)
	}

	side := inputSize / 4
	flatSize := 32 * side * side
	flat := gorgonia.Must(gorgonia.Reshape(pool2, tensor.Shape{1, flatSize}))

	fc1W := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(flatSize, 128), gorgonia.WithName("fc1_w"), gorgonia.WithInit(gorgonia.GlorotU(1.0)))
	fc1B := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(1, 128), gorgonia.WithName("fc1_b"), gorgonia.WithInit(gorgonia.Zeroes()))
	fc2W := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(128, board.NumClasses), gorgonia.WithName("fc2_w"), gorgonia.WithInit(gorgonia.GlorotU(1.0)))
	fc2B := gorgonia.NewMatrix(g, tensor.Float64, gorgonia.WithShape(1, board.NumClasses), gorgonia.WithName("fc2_b"), gorgonia.WithInit(gorgonia.Zeroes()))

	fc1 := gorgonia.Must(gorgonia.Mul(flat, fc1W))
	fc1 = gorgonia.Must(gorgonia.Add(fc1, fc1B))
	fc1 = gorgonia.Must(gorgonia.Rectify(fc1))

	fc2 := gorgonia.Must(gorgonia.Mul(fc1, fc2W))
	logits := gorgonia.Must(gorgonia.Add(fc2, fc2B))
	output := gorgonia.Must(gorgonia.SoftMax(logits))

	return &PieceCNN{
		g:         g,
		input:     input,
		conv1W:    conv1W,
		conv1B:    conv1B,
		conv2W:    conv2W,
		conv2B:    conv2B,
		fc1W:      fc1W,
		fc1B:      fc1B,
		fc2W:      fc2W,
		fc2B:      fc2B,
		output:    output,
		vm:        gorgonia.NewTapeMachine(g),
		inputSize: inputSize,
		labels:    labels,
	}, nil
}

// NewPieceCNNFromFile builds a network sized from a saved model and loads its weights
func NewPieceCNNFromFile(path string) (*PieceCNN, error) {
	meta, err := readMetadata(path)
	if err != nil {
		return nil, err
	}
	labels, err := ParseLabelOrder(meta.LabelOrder)
	if err != nil {
		return nil, fmt.Errorf("invalid label order in %s: %w", path, err)
	}

	cnn, err := NewPieceCNN(meta.InputSize, labels)
	if err != nil {
		return nil, err
	}
	if err := cnn.LoadModel(path); err != nil {
		cnn.Close()
		return nil, err
	}
	return cnn, nil
}

// InputSize returns the crop side the network expects
func (cnn *PieceCNN) InputSize() int {
	return cnn.inputSize
}

// Labels returns the mapping from network outputs to pieces
func (cnn *PieceCNN) Labels() LabelOrder {
	return cnn.labels
}

// Classify implements Classifier
func (cnn *PieceCNN) Classify(ctx context.Context, squares []vision.SquareImage) ([]Probabilities, error) {
	cnn.mu.Lock()
	defer cnn.mu.Unlock()

	out := make([]Probabilities, len(squares))
	for i, sq := range squares {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := cnn.forward(sq.Image)
		if err != nil {
			return nil, fmt.Errorf("square %d: %w", sq.Index, err)
		}
		p, err := cnn.labels.Remap(raw)
		if err != nil {
			return nil, fmt.Errorf("square %d: %w", sq.Index, err)
		}
		out[i] = p
	}
	return out, nil
}

func (cnn *PieceCNN) forward(img *image.RGBA) ([]float64, error) {
	data, err := Preprocess(img, cnn.inputSize)
	if err != nil {
		return nil, err
	}

	inputTensor := tensor.New(
		tensor.WithShape(1, 3, cnn.inputSize, cnn.inputSize),
		tensor.WithBacking(data),
	)
	if err := gorgonia.Let(cnn.input, inputTensor); err != nil {
		return nil, fmt.Errorf("failed to set input: %w", err)
	}

	defer cnn.vm.Reset()
	if err := cnn.vm.RunAll(); err != nil {
		return nil, fmt.Errorf("failed to run inference: %w", err)
	}

	val := cnn.output.Value()
	if val == nil {
		return nil, fmt.Errorf("output is nil")
	}
	probs, ok := val.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", val.Data())
	}
	return append([]float64(nil), probs...), nil
}

func (cnn *PieceCNN) weights() []*gorgonia.Node {
	return []*gorgonia.Node{
		cnn.conv1W, cnn.conv1B,
		cnn.conv2W, cnn.conv2B,
		cnn.fc1W, cnn.fc1B,
		cnn.fc2W, cnn.fc2B,
	}
}

// SaveModel saves model weights to file
func (cnn *PieceCNN) SaveModel(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	encoder := gob.NewEncoder(f)

	metadata := ModelMetadata{
		Version:    modelVersion,
		ModelType:  modelType,
		InputSize:  cnn.inputSize,
		LabelOrder: cnn.labels.String(),
	}
	if err := encoder.Encode(metadata); err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	for i, w := range cnn.weights() {
		val := w.Value()
		if val == nil {
			return fmt.Errorf("weight %d has nil value", i)
		}
		if err := encoder.Encode([]int(val.Shape())); err != nil {
			return fmt.Errorf("failed to encode weight %d shape: %w", i, err)
		}
		if err := encoder.Encode(val.Data().([]float64)); err != nil {
			return fmt.Errorf("failed to encode weight %d data: %w", i, err)
		}
	}

	return nil
}

// LoadModel loads weights saved by SaveModel into this network
func (cnn *PieceCNN) LoadModel(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	decoder := gob.NewDecoder(f)

	var metadata ModelMetadata
	if err := decoder.Decode(&metadata); err != nil {
		return fmt.Errorf("failed to decode metadata: %w", err)
	}
	if metadata.ModelType != modelType {
		return fmt.Errorf("invalid model type: %s", metadata.ModelType)
	}
	if metadata.InputSize != cnn.inputSize {
		return fmt.Errorf("model input size %d does not match network input size %d", metadata.InputSize, cnn.inputSize)
	}

	cnn.mu.Lock()
	defer cnn.mu.Unlock()

	for i, w := range cnn.weights() {
		var shape []int
		var data []float64

		if err := decoder.Decode(&shape); err != nil {
			return fmt.Errorf("failed to decode weight %d shape: %w", i, err)
		}
		if err := decoder.Decode(&data); err != nil {
			return fmt.Errorf("failed to decode weight %d data: %w", i, err)
		}
		if !w.Shape().Eq(tensor.Shape(shape)) {
			return fmt.Errorf("weight %d shape %v does not match %v", i, shape, w.Shape())
		}

		t := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
		if err := gorgonia.Let(w, t); err != nil {
			return fmt.Errorf("failed to set weight %d: %w", i, err)
		}
	}

	return nil
}

// Close cleans up resources
func (cnn *PieceCNN) Close() error {
	if cnn.vm != nil {
		cnn.vm.Close()
	}
	return nil
}

func readMetadata(path string) (ModelMetadata, error) {
	var metadata ModelMetadata
	f, err := os.Open(path)
	if err != nil {
		return metadata, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if err := gob.NewDecoder(f).Decode(&metadata); err != nil {
		return metadata, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if metadata.ModelType != modelType {
		return metadata, fmt.Errorf("invalid model type: %s", metadata.ModelType)
	}
	return metadata, nil
}
