// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package model

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	cerrors "censorlab.dev/censorlab/internal/errors"
)

var ortInitOnce sync.Once
var ortInitErr error

func ensureRuntimeInitialized() error {
	ortInitOnce.Do(func() {
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// onnxSession implements InferenceSession over a dynamic ONNX Runtime
// session bound to the fixed "float_input"/"probabilities" tensor names.
type onnxSession struct {
	session    *ort.DynamicAdvancedSession
	inputShape ort.Shape
}

// NewONNXSessionLoader returns a SessionLoader that boots an ONNX Runtime
// session from raw model bytes via github.com/yalue/onnxruntime_go, the
// cgo binding onto the real ONNX Runtime C API chosen for ModelWorker
// since no pure-Go ONNX backend exists in the reference corpus.
func NewONNXSessionLoader(inputDims []int64) SessionLoader {
	shape := ort.NewShape(inputDims...)
	return func(modelBytes []byte) (InferenceSession, error) {
		if err := ensureRuntimeInitialized(); err != nil {
			return nil, cerrors.Wrap(err, cerrors.KindInitialization, "initialize onnxruntime environment")
		}

		session, err := ort.NewDynamicAdvancedSessionWithONNXData(
			modelBytes,
			[]string{"float_input"},
			[]string{"probabilities"},
			nil,
		)
		if err != nil {
			return nil, fmt.Errorf("create onnx session: %w", err)
		}

		return &onnxSession{session: session, inputShape: shape}, nil
	}
}

func (s *onnxSession) Run(input []float32) ([]float32, error) {
	inputTensor, err := ort.NewTensor(s.inputShape, input)
	if err != nil {
		return nil, fmt.Errorf("build input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := s.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("run session: %w", err)
	}
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}
	defer out.Destroy()

	return append([]float32(nil), out.GetData()...), nil
}

func (s *onnxSession) Close() error {
	return s.session.Destroy()
}
