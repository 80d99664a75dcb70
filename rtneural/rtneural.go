/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package rtneural assembles and serializes the canonical RTNeural JSON
// document: the flat, dependency-free network description the real-time
// controller loads at startup.
//
// One emission mode is supported: each dense layer becomes a single record
// with `weights = [kernel, bias]`. This is the layout the Pupper runtime
// parses; the historical variant that split the activation into a sibling
// record is not wire-compatible and is not produced.
package rtneural

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gomlx/rtconvert/policy"
	"github.com/gomlx/rtconvert/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrSchema is the failure class for policies that violate the dense-stack
// invariants: an empty layer sequence or broken layer-to-layer chaining.
// Match with errors.Is.
var ErrSchema = errors.New("invalid network schema")

// Document is the canonical output, field order matching the wire schema.
type Document struct {
	InShape            []int         `json:"in_shape"`
	ObservationHistory int           `json:"observation_history"`
	Kp                 float64       `json:"kp"`
	Kd                 float64       `json:"kd"`
	ActionScale        float64       `json:"action_scale"`
	UseIMU             bool          `json:"use_imu"`
	DefaultJointPos    []float64     `json:"default_joint_pos"`
	JointUpperLimits   []float64     `json:"joint_upper_limits"`
	JointLowerLimits   []float64     `json:"joint_lower_limits"`
	Normalizer         Normalizer    `json:"normalizer"`
	Layers             []DenseRecord `json:"layers"`
}

// Normalizer is the observation normalizer as serialized: either field may be
// omitted, and an entirely absent normalizer serializes as `{}`.
type Normalizer struct {
	Mean []float64 `json:"mean,omitempty"`
	Std  []float64 `json:"std,omitempty"`
}

// DenseRecord is one typed layer record. The only Type emitted is "dense".
// Activation is empty on the final layer.
type DenseRecord struct {
	Type       string       `json:"type"`
	Shape      []int        `json:"shape"`
	Activation string       `json:"activation"`
	Weights    DenseWeights `json:"weights"`
}

// DenseWeights packs the kernel and bias together as the layer weight
// payload, serialized as the two-element sequence `[kernel, bias]`.
type DenseWeights struct {
	Kernel [][]float64
	Bias   []float64
}

// MarshalJSON serializes the payload as `[kernel, bias]`. Nil slices are
// emitted as empty sequences, never null.
func (w DenseWeights) MarshalJSON() ([]byte, error) {
	kernel := w.Kernel
	if kernel == nil {
		kernel = [][]float64{}
	}
	bias := w.Bias
	if bias == nil {
		bias = []float64{}
	}
	return json.Marshal([2]any{kernel, bias})
}

// UnmarshalJSON parses the `[kernel, bias]` payload back, for consumers and
// round-trip tests.
func (w *DenseWeights) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return errors.Wrapf(err, "dense weights payload must be the pair [kernel, bias]")
	}
	if err := json.Unmarshal(pair[0], &w.Kernel); err != nil {
		return errors.Wrapf(err, "dense weights kernel")
	}
	if err := json.Unmarshal(pair[1], &w.Bias); err != nil {
		return errors.Wrapf(err, "dense weights bias")
	}
	return nil
}

// Build combines the extracted policy with the configuration into the
// canonical document. Weight values pass through exactly as decoded, they are
// never recomputed. All failures match ErrSchema.
func Build(p *policy.Params, cfg *Config) (*Document, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if p == nil || len(p.Layers) == 0 {
		return nil, errors.Wrapf(ErrSchema, "policy has no layers")
	}
	if err := checkChaining(p.Layers); err != nil {
		return nil, err
	}
	warnNormalizerSize(&p.Normalizer, cfg.ObservationSize)

	doc := &Document{
		InShape:            []int{1, cfg.ObservationSize},
		ObservationHistory: cfg.ObservationHistory,
		Kp:                 cfg.Kp,
		Kd:                 cfg.Kd,
		ActionScale:        cfg.ActionScale,
		UseIMU:             cfg.UseIMU,
		DefaultJointPos:    cfg.DefaultJointPos,
		JointUpperLimits:   cfg.JointUpperLimits,
		JointLowerLimits:   cfg.JointLowerLimits,
		Normalizer:         Normalizer{Mean: p.Normalizer.Mean, Std: p.Normalizer.Std},
		Layers:             make([]DenseRecord, 0, len(p.Layers)),
	}
	for ii := range p.Layers {
		layer := &p.Layers[ii]
		activation := cfg.Activation
		if ii == len(p.Layers)-1 {
			// The final layer feeds raw joint targets, no nonlinearity.
			activation = ""
		}
		doc.Layers = append(doc.Layers, DenseRecord{
			Type:       "dense",
			Shape:      []int{layer.InFeatures(), layer.OutFeatures()},
			Activation: activation,
			Weights:    DenseWeights{Kernel: layer.Kernel, Bias: layer.Bias},
		})
	}
	return doc, nil
}

// checkChaining verifies out_features of each layer matches in_features of the
// next. Degenerate bias-only successors have no independent input width and
// are skipped.
func checkChaining(layers []policy.Layer) error {
	for ii := 0; ii < len(layers)-1; ii++ {
		next := &layers[ii+1]
		if next.InFeatures() == 0 {
			continue
		}
		if out := layers[ii].OutFeatures(); out != next.InFeatures() {
			return errors.Wrapf(ErrSchema,
				"layer %d outputs %d features but layer %d expects %d inputs",
				ii, out, ii+1, next.InFeatures())
		}
	}
	return nil
}

// warnNormalizerSize flags statistics whose width disagrees with the
// configured observation size. Not fatal: profiles for other robots may
// legitimately change the observation size.
func warnNormalizerSize(n *policy.Normalizer, observationSize int) {
	if len(n.Mean) > 0 && len(n.Mean) != observationSize {
		klog.Warningf("normalizer mean has %d values, observation size is %d", len(n.Mean), observationSize)
	}
	if len(n.Std) > 0 && len(n.Std) != observationSize {
		klog.Warningf("normalizer std has %d values, observation size is %d", len(n.Std), observationSize)
	}
	if len(n.Mean) > 0 && len(n.Std) > 0 && len(n.Mean) != len(n.Std) {
		klog.Warningf("normalizer mean has %d values but std has %d", len(n.Mean), len(n.Std))
	}
}

// NumParameters is the total count of weight values across all layer records.
func (doc *Document) NumParameters() (total int) {
	for ii := range doc.Layers {
		w := &doc.Layers[ii].Weights
		cols := 0
		if len(w.Kernel) > 0 {
			cols = len(w.Kernel[0])
		}
		total += len(w.Kernel)*cols + len(w.Bias)
	}
	return
}

// Save writes the document as JSON to outputPath, atomically: the bytes go to
// a temporary file in the same directory which is renamed over the target only
// after a successful write, so a failed conversion never leaves a truncated
// document behind.
func (doc *Document) Save(outputPath string) error {
	outputPath, err := fsutil.ReplaceTildeInDir(outputPath)
	if err != nil {
		return errors.WithMessagef(err, "resolving output path")
	}
	dir := filepath.Dir(outputPath)
	tmpFile, err := os.CreateTemp(dir, filepath.Base(outputPath)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "creating temporary file in %q", dir)
	}
	tmpName := tmpFile.Name()
	abort := func(err error) error {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName)
		return err
	}
	enc := json.NewEncoder(tmpFile)
	if err = enc.Encode(doc); err != nil {
		return abort(errors.Wrapf(err, "encoding document to %q", tmpName))
	}
	if err = tmpFile.Close(); err != nil {
		return abort(errors.Wrapf(err, "closing %q", tmpName))
	}
	if err = os.Rename(tmpName, outputPath); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "renaming %q to %q", tmpName, outputPath)
	}
	return nil
}
