package vision

import (
	"context"
	"fmt"
	"image"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"fashion-similarity/internal/embedding"
)

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment loads the ONNX runtime shared library once per process.
func initEnvironment(libPath string) error {
	envOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			envErr = fmt.Errorf("onnx init environment: %w", err)
		}
	})
	return envErr
}

type onnxSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (s *onnxSession) destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
}

// ONNXExtractor runs a headless image model (ResNet-50 without its
// classification layer) and returns its pooled features.
//
// A session owns its input and output tensors, so the extractor keeps a pool
// of them and runs at most one inference per session at a time.
type ONNXExtractor struct {
	modelPath string
	dim       int
	pool      chan *onnxSession
	sessions  []*onnxSession
}

// NewONNXExtractor loads the model at modelPath into n sessions.
func NewONNXExtractor(modelPath, onnxLibPath string, n int) (*ONNXExtractor, error) {
	if n <= 0 {
		n = 1
	}
	if err := initEnvironment(onnxLibPath); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("onnx get input/output info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("onnx model has no inputs or outputs")
	}
	inputShape := fixedShape(inputs[0].Dimensions)
	outputShape := fixedShape(outputs[0].Dimensions)
	if inputShape.FlattenedSize() < 3*inputSide*inputSide {
		return nil, fmt.Errorf("onnx input shape %v too small for a %dx%d RGB image", inputShape, inputSide, inputSide)
	}

	e := &ONNXExtractor{
		modelPath: modelPath,
		dim:       int(outputShape.FlattenedSize()),
		pool:      make(chan *onnxSession, n),
	}
	for i := 0; i < n; i++ {
		s, err := newSession(modelPath, inputs[0].Name, outputs[0].Name, inputShape, outputShape)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.sessions = append(e.sessions, s)
		e.pool <- s
	}
	return e, nil
}

func newSession(modelPath, inputName, outputName string, inputShape, outputShape ort.Shape) (*onnxSession, error) {
	s := &onnxSession{}
	var err error
	s.input, err = ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("onnx new input tensor: %w", err)
	}
	s.output, err = ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("onnx new output tensor: %w", err)
	}
	s.session, err = ort.NewAdvancedSession(modelPath, []string{inputName}, []string{outputName},
		[]ort.Value{s.input}, []ort.Value{s.output}, nil)
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("onnx new session: %w", err)
	}
	return s, nil
}

// fixedShape pins dynamic dimensions (batch size) to 1.
func fixedShape(dims ort.Shape) ort.Shape {
	out := make(ort.Shape, len(dims))
	for i, d := range dims {
		if d <= 0 {
			d = 1
		}
		out[i] = d
	}
	return out
}

func (e *ONNXExtractor) Dim() int { return e.dim }

func (e *ONNXExtractor) Extract(ctx context.Context, img image.Image) ([]float32, error) {
	var s *onnxSession
	select {
	case s = <-e.pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { e.pool <- s }()

	preprocess(img, s.input.GetData())
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: onnx run: %v", embedding.ErrExtraction, err)
	}

	out := s.output.GetData()
	if len(out) != e.dim {
		return nil, fmt.Errorf("%w: model produced %d values, want %d", embedding.ErrExtraction, len(out), e.dim)
	}
	vec := make([]float32, len(out))
	copy(vec, out)
	return vec, nil
}

// Close releases every session. The extractor must not be used afterwards.
func (e *ONNXExtractor) Close() error {
	for _, s := range e.sessions {
		s.destroy()
	}
	e.sessions = nil
	return nil
}
