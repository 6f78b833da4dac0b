// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package model

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cerrors "censorlab.dev/censorlab/internal/errors"
)

type fakeSession struct {
	out    []float32
	closed bool
	err    error
	input  []float32
}

func (f *fakeSession) Run(input []float32) ([]float32, error) {
	f.input = append([]float32(nil), input...)
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func fakeLoader(out []float32) SessionLoader {
	return func(modelBytes []byte) (InferenceSession, error) {
		return &fakeSession{out: out}, nil
	}
}

func testMetadataJSON(t *testing.T) []byte {
	t.Helper()
	meta := Metadata{
		Features: []Feature{
			{Name: "payload_len", Mean: 0, Std: 1, Eps: 1e-9},
			{Name: "entropy", Mean: 0.5, Std: 0.25, Eps: 1e-9},
		},
		Labels: []Label{
			{Name: "benign", Action: "allow"},
			{Name: "censored_protocol", Action: "reset"},
		},
	}
	b, err := json.Marshal(meta)
	require.NoError(t, err)
	return b
}

func TestEvaluateNormalizesAndReturnsProbabilities(t *testing.T) {
	w := New(256, fakeLoader([]float32{0.1, 0.9}), nil)
	require.NoError(t, w.LoadModel("classifier", []byte("fake-model-bytes"), testMetadataJSON(t)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go w.Run(ctx)

	probs, err := w.Evaluate(ctx, "classifier", []float64{10, 0.75})
	require.NoError(t, err)
	// The session's float32 outputs are widened to float64.
	require.Equal(t, []float64{float64(float32(0.1)), float64(float32(0.9))}, probs)

	// (10-0)/(1+eps) and (0.75-0.5)/(0.25+eps) reach the session as ~10 and ~1.
	sess := w.models["classifier"].session.(*fakeSession)
	require.InDelta(t, 10.0, float64(sess.input[0]), 1e-6)
	require.InDelta(t, 1.0, float64(sess.input[1]), 1e-6)
}

func TestEvaluateUnknownModelReturnsModelNotFound(t *testing.T) {
	w := New(256, fakeLoader(nil), nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go w.Run(ctx)

	_, err := w.Evaluate(ctx, "missing", []float64{1})
	require.Error(t, err)
	require.Equal(t, ErrModelNotFound.String(), cerrors.GetAttributes(err)["model_error_kind"])
}

func TestEvaluateShapeMismatch(t *testing.T) {
	w := New(256, fakeLoader([]float32{1}), nil)
	require.NoError(t, w.LoadModel("classifier", nil, testMetadataJSON(t)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go w.Run(ctx)

	_, err := w.Evaluate(ctx, "classifier", []float64{1})
	require.Error(t, err)
	require.Equal(t, ErrShapeMismatch.String(), cerrors.GetAttributes(err)["model_error_kind"])
}

func TestArgmaxLabelPicksHighestProbability(t *testing.T) {
	meta := Metadata{Labels: []Label{{Name: "a", Action: "allow"}, {Name: "b", Action: "drop"}}}
	label, ok := meta.ArgmaxLabel([]float64{0.2, 0.8})
	require.True(t, ok)
	require.Equal(t, "b", label.Name)
	require.Equal(t, "drop", label.Action)
}

func TestShutdownDrainsRun(t *testing.T) {
	w := New(256, fakeLoader([]float32{1}), nil)
	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.NoError(t, w.Shutdown(ctx))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}
