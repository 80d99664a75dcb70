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

package rtneural

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/rtconvert/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoLayerPolicy() *policy.Params {
	return &policy.Params{
		Layers: []policy.Layer{
			{Kernel: [][]float64{{1, 2}, {3, 4}}, Bias: []float64{0, 0}},
			{Kernel: [][]float64{{5}, {6}}, Bias: []float64{1}},
		},
		Normalizer: policy.Normalizer{Mean: []float64{0, 0}, Std: []float64{1, 1}},
	}
}

func TestBuildDefaults(t *testing.T) {
	doc, err := Build(twoLayerPolicy(), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 720}, doc.InShape)
	assert.Equal(t, 20, doc.ObservationHistory)
	assert.Equal(t, 7.5, doc.Kp)
	assert.Equal(t, 0.25, doc.Kd)
	assert.Equal(t, 0.5, doc.ActionScale)
	assert.True(t, doc.UseIMU)
	assert.Len(t, doc.DefaultJointPos, NumJoints)
	assert.Len(t, doc.JointUpperLimits, NumJoints)
	assert.Len(t, doc.JointLowerLimits, NumJoints)

	require.Len(t, doc.Layers, 2)
	assert.Equal(t, "dense", doc.Layers[0].Type)
	assert.Equal(t, []int{2, 2}, doc.Layers[0].Shape)
	assert.Equal(t, "elu", doc.Layers[0].Activation)
	assert.Equal(t, []int{2, 1}, doc.Layers[1].Shape)
	assert.Equal(t, "", doc.Layers[1].Activation)

	// Weights pass through untouched.
	assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, doc.Layers[0].Weights.Kernel)
	assert.Equal(t, []float64{1}, doc.Layers[1].Weights.Bias)
	assert.Equal(t, 9, doc.NumParameters())
}

func TestBuildEmptyPolicy(t *testing.T) {
	_, err := Build(&policy.Params{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchema)

	_, err = Build(nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchema)
}

func TestBuildChainingViolation(t *testing.T) {
	p := &policy.Params{
		Layers: []policy.Layer{
			{Kernel: [][]float64{{1, 2}}, Bias: []float64{0, 0}},
			{Kernel: [][]float64{{1}, {2}, {3}}, Bias: []float64{0}},
		},
	}
	_, err := Build(p, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchema)
	assert.Contains(t, err.Error(), "layer 0 outputs 2 features but layer 1 expects 3 inputs")
}

func TestBuildDegenerateSuccessor(t *testing.T) {
	// A bias-only successor has no in-width to check against.
	p := &policy.Params{
		Layers: []policy.Layer{
			{Kernel: [][]float64{{1, 2}}, Bias: []float64{0, 0}},
			{Kernel: [][]float64{}, Bias: []float64{0, 0, 0}},
		},
	}
	doc, err := Build(p, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, doc.Layers[1].Shape)
}

func TestBuildCustomActivation(t *testing.T) {
	cfg := NewConfig()
	cfg.Activation = "tanh"
	doc, err := Build(twoLayerPolicy(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "tanh", doc.Layers[0].Activation)
	assert.Equal(t, "", doc.Layers[1].Activation)
}

func TestWeightsWireFormat(t *testing.T) {
	record := DenseRecord{
		Type:       "dense",
		Shape:      []int{2, 1},
		Activation: "elu",
		Weights:    DenseWeights{Kernel: [][]float64{{5}, {6}}, Bias: []float64{1}},
	}
	data, err := json.Marshal(record)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type": "dense", "shape": [2, 1], "activation": "elu", "weights": [[[5], [6]], [1]]}`,
		string(data))

	var decoded DenseRecord
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, record, decoded)
}

func TestWeightsWireFormatDegenerate(t *testing.T) {
	data, err := json.Marshal(DenseWeights{Bias: []float64{1, 2}})
	require.NoError(t, err)
	// Never null: the runtime parser expects sequences.
	assert.Equal(t, `[[],[1,2]]`, string(data))
}

func TestEmptyNormalizerSerialization(t *testing.T) {
	doc, err := Build(&policy.Params{Layers: []policy.Layer{
		{Kernel: [][]float64{{1}}, Bias: []float64{0}},
	}}, nil)
	require.NoError(t, err)
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"normalizer":{}`)
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "policy.json")
	doc, err := Build(twoLayerPolicy(), nil)
	require.NoError(t, err)
	require.NoError(t, doc.Save(outputPath))

	contents, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	var decoded Document
	require.NoError(t, json.Unmarshal(contents, &decoded))
	assert.Equal(t, doc.InShape, decoded.InShape)
	require.Len(t, decoded.Layers, 2)
	assert.Equal(t, doc.Layers[1].Weights, decoded.Layers[1].Weights)

	// No temporary files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.Contains(entry.Name(), ".tmp-"), "leftover temp file %q", entry.Name())
	}
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	profilePath := filepath.Join(dir, "robot.yaml")
	require.NoError(t, os.WriteFile(profilePath, []byte(
		"kp: 10.0\nobservation_size: 360\nactivation: relu\n"), 0644))

	cfg := NewConfig()
	require.NoError(t, cfg.LoadProfile(profilePath))
	assert.Equal(t, 10.0, cfg.Kp)
	assert.Equal(t, 360, cfg.ObservationSize)
	assert.Equal(t, "relu", cfg.Activation)
	// Untouched fields keep their defaults.
	assert.Equal(t, 0.25, cfg.Kd)
	assert.Len(t, cfg.DefaultJointPos, NumJoints)
}

func TestLoadProfileBadJoints(t *testing.T) {
	dir := t.TempDir()
	profilePath := filepath.Join(dir, "robot.yaml")
	require.NoError(t, os.WriteFile(profilePath, []byte(
		"default_joint_pos: [0.1, 0.2]\n"), 0644))

	cfg := NewConfig()
	err := cfg.LoadProfile(profilePath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_joint_pos")
}
