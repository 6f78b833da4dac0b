// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package model implements ModelWorker: a single background worker that
// owns every loaded ONNX session and serves inference requests off a
// bounded channel.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cerrors "censorlab.dev/censorlab/internal/errors"
	"censorlab.dev/censorlab/internal/logging"
	"censorlab.dev/censorlab/internal/metrics"
)

// ErrorKind discriminates the three ways an evaluate request can fail.
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	// ErrModelNotFound means the requested model name was never loaded.
	ErrModelNotFound
	// ErrShapeMismatch means the feature vector doesn't reshape cleanly
	// into the model's declared input dimensions.
	ErrShapeMismatch
	// ErrInference means the backing InferenceSession itself failed.
	ErrInference
)

func (k ErrorKind) String() string {
	switch k {
	case ErrModelNotFound:
		return "model_not_found"
	case ErrShapeMismatch:
		return "shape_mismatch"
	case ErrInference:
		return "inference"
	default:
		return "unknown"
	}
}

func modelErr(kind ErrorKind, format string, args ...any) error {
	return cerrors.Attr(cerrors.Errorf(cerrors.KindRuntime, format, args...), "model_error_kind", kind.String())
}

// Feature describes one element of a model's ordered input vector and the
// normalization applied before it is handed to the tensor.
type Feature struct {
	Name string  `json:"name"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Eps  float64 `json:"eps"`
}

// Normalize applies (x - mean) / (std + eps).
func (f Feature) Normalize(x float64) float64 {
	return (x - f.Mean) / (f.Std + f.Eps)
}

// Label names an output class and the action an argmax on that class
// should drive.
type Label struct {
	Name   string `json:"name"`
	Action string `json:"action"`
}

// Metadata is the JSON sidecar that accompanies a model's binary artifact.
type Metadata struct {
	Features []Feature `json:"features"`
	Labels   []Label   `json:"labels"`
}

// InferenceSession is the tensor-level contract a loaded model satisfies.
// It exists so the ONNX runtime backing ModelWorker is swappable and
// mockable in tests.
type InferenceSession interface {
	// Run reshapes input against the session's declared dimensions,
	// binds it to the "float_input" tensor, and returns the
	// "probabilities" output.
	Run(input []float32) ([]float32, error)
	Close() error
}

// SessionLoader constructs an InferenceSession from a model's raw binary
// artifact bytes.
type SessionLoader func(modelBytes []byte) (InferenceSession, error)

type loadedModel struct {
	meta    Metadata
	session InferenceSession
}

type request struct {
	shutdown bool
	name     string
	features []float64
	reply    chan response
}

type response struct {
	probabilities []float64
	err           error
}

// Worker is the single background task owning every loaded model. All
// inference runs serialized on Worker.Run's goroutine: exactly one active
// inference at a time.
type Worker struct {
	mu       sync.RWMutex
	models   map[string]*loadedModel
	loader   SessionLoader
	requests chan request
	metrics  *metrics.Metrics
}

// New creates a Worker with the given request channel capacity (floored at
// 256) and SessionLoader.
func New(capacity int, loader SessionLoader, m *metrics.Metrics) *Worker {
	if capacity < 256 {
		capacity = 256
	}
	return &Worker{
		models:   make(map[string]*loadedModel),
		loader:   loader,
		requests: make(chan request, capacity),
		metrics:  m,
	}
}

// LoadModel decodes metadataJSON and constructs a session from modelBytes
// via the Worker's SessionLoader, then installs it under name. Safe to
// call concurrently with Run; takes effect for the next Evaluate.
func (w *Worker) LoadModel(name string, modelBytes, metadataJSON []byte) error {
	var meta Metadata
	if err := json.Unmarshal(metadataJSON, &meta); err != nil {
		return cerrors.Wrap(err, cerrors.KindParse, "decode model metadata")
	}

	session, err := w.loader(modelBytes)
	if err != nil {
		return cerrors.Wrap(err, cerrors.KindInitialization, fmt.Sprintf("load model %q", name))
	}

	w.mu.Lock()
	if old, ok := w.models[name]; ok {
		old.session.Close()
	}
	w.models[name] = &loadedModel{meta: meta, session: session}
	w.mu.Unlock()
	return nil
}

// Evaluate submits a request to the worker's bounded channel and blocks
// for the response or ctx cancellation. The response always returns on
// this call's own reply channel.
func (w *Worker) Evaluate(ctx context.Context, name string, features []float64) ([]float64, error) {
	reply := make(chan response, 1)
	req := request{name: name, features: features, reply: reply}

	select {
	case w.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if w.metrics != nil {
		w.metrics.ModelQueueDepth.Set(float64(len(w.requests)))
	}

	select {
	case resp := <-reply:
		return resp.probabilities, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown signals Run to drain and return. It does not block on Run
// finishing; callers that need that guarantee should additionally wait
// on Run's goroutine via their own synchronization.
func (w *Worker) Shutdown(ctx context.Context) error {
	select {
	case w.requests <- request{shutdown: true}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the single task that owns all ML runtime state. It serves
// requests one at a time until a shutdown request drains the channel, or
// ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	log := logging.WithComponent("model")
	defer w.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.requests:
			if w.metrics != nil {
				w.metrics.ModelQueueDepth.Set(float64(len(w.requests)))
			}
			if req.shutdown {
				return
			}
			w.serve(log, req)
		}
	}
}

func (w *Worker) serve(log *slog.Logger, req request) {
	start := time.Now()
	probs, err := w.evaluateOnce(req.name, req.features)
	if w.metrics != nil {
		w.metrics.ModelInferenceTime.Observe(time.Since(start).Seconds())
		if err != nil {
			w.metrics.ModelErrors.WithLabelValues(cerrors.GetAttributes(err)["model_error_kind"].(string)).Inc()
		}
	}
	if err != nil {
		log.Error("inference failed", "model", req.name, "error", err)
	}
	req.reply <- response{probabilities: probs, err: err}
}

func (w *Worker) evaluateOnce(name string, features []float64) ([]float64, error) {
	w.mu.RLock()
	m, ok := w.models[name]
	w.mu.RUnlock()
	if !ok {
		return nil, modelErr(ErrModelNotFound, "model %q not loaded", name)
	}
	if len(features) != len(m.meta.Features) {
		return nil, modelErr(ErrShapeMismatch, "model %q expects %d features, got %d", name, len(m.meta.Features), len(features))
	}

	input := make([]float32, len(features))
	for i, f := range features {
		input[i] = float32(m.meta.Features[i].Normalize(f))
	}

	out, err := m.session.Run(input)
	if err != nil {
		return nil, modelErr(ErrInference, "model %q: %v", name, err)
	}

	probs := make([]float64, len(out))
	for i, v := range out {
		probs[i] = float64(v)
	}
	return probs, nil
}

func (w *Worker) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range w.models {
		m.session.Close()
	}
}

// ArgmaxLabel returns the Label whose index has the highest probability,
// implementing the "labels[] (name + action to take on argmax)" contract.
func (meta Metadata) ArgmaxLabel(probs []float64) (Label, bool) {
	if len(probs) == 0 || len(meta.Labels) == 0 {
		return Label{}, false
	}
	best := 0
	for i, p := range probs {
		if i < len(meta.Labels) && p > probs[best] {
			best = i
		}
	}
	if best >= len(meta.Labels) {
		return Label{}, false
	}
	return meta.Labels[best], true
}
