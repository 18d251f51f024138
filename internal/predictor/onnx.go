package predictor

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"tradebot/internal/model"
)

// onnxFeatures is the per-step input width: open, high, low, close, volume.
const onnxFeatures = 5

var (
	ortOnce sync.Once
	ortErr  error
)

// InitRuntime loads the ONNX Runtime shared library once per process.
// An empty libPath picks the platform default.
func InitRuntime(libPath string) error {
	ortOnce.Do(func() {
		if libPath == "" {
			libPath = "/usr/lib/libonnxruntime.so"
			switch runtime.GOOS {
			case "windows":
				libPath = "onnxruntime.dll"
			case "darwin":
				libPath = "libonnxruntime.dylib"
			}
		}
		ort.SetSharedLibraryPath(libPath)
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// ONNX runs a sequence model exported with input "input" of shape
// (1, seq, 5) and output "output" of shape (1, 1). The window is min-max
// scaled per column to [0,1]; the predicted scaled close is mapped back to
// a price and returned as a percent move from the last close.
type ONNX struct {
	mu      sync.Mutex // session tensors are shared across calls
	seq     int
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewONNX loads modelPath. InitRuntime must have succeeded first.
func NewONNX(modelPath string, seq int) (*ONNX, error) {
	if seq <= 0 {
		seq = SequenceLength
	}
	input, err := ort.NewTensor(ort.NewShape(1, int64(seq), onnxFeatures), make([]float32, seq*onnxFeatures))
	if err != nil {
		return nil, fmt.Errorf("predictor: create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("predictor: create output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("predictor: create session: %w", err)
	}
	return &ONNX{seq: seq, session: session, input: input, output: output}, nil
}

// Predict returns the percent move implied by the model's next close.
func (m *ONNX) Predict(ctx context.Context, bars []model.Bar) (float64, error) {
	if len(bars) < m.seq {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	window := bars[len(bars)-m.seq:]
	sc := fitScaler(window)

	m.mu.Lock()
	defer m.mu.Unlock()

	sc.transform(window, m.input.GetData())
	if err := m.session.Run(); err != nil {
		return 0, fmt.Errorf("predictor: inference: %w", err)
	}
	predicted := sc.inverseClose(float64(m.output.GetData()[0]))

	last := window[len(window)-1].Close
	if last == 0 {
		return 0, nil
	}
	return (predicted - last) / last * 100, nil
}

// Close releases the session and tensors.
func (m *ONNX) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	if m.input != nil {
		m.input.Destroy()
		m.input = nil
	}
	if m.output != nil {
		m.output.Destroy()
		m.output = nil
	}
}

// minMax is a per-column [0,1] scaler over OHLCV.
type minMax struct {
	lo, hi [onnxFeatures]float64
}

func row(b model.Bar) [onnxFeatures]float64 {
	return [onnxFeatures]float64{b.Open, b.High, b.Low, b.Close, b.Volume}
}

func fitScaler(bars []model.Bar) minMax {
	var s minMax
	for i, b := range bars {
		r := row(b)
		for j, v := range r {
			if i == 0 || v < s.lo[j] {
				s.lo[j] = v
			}
			if i == 0 || v > s.hi[j] {
				s.hi[j] = v
			}
		}
	}
	return s
}

// transform writes the scaled window into dst in row-major order.
// Constant columns scale to 0.
func (s minMax) transform(bars []model.Bar, dst []float32) {
	for i, b := range bars {
		for j, v := range row(b) {
			var x float64
			if span := s.hi[j] - s.lo[j]; span > 0 {
				x = (v - s.lo[j]) / span
			}
			dst[i*onnxFeatures+j] = float32(x)
		}
	}
}

func (s minMax) inverseClose(x float64) float64 {
	const closeCol = 3
	return x*(s.hi[closeCol]-s.lo[closeCol]) + s.lo[closeCol]
}
