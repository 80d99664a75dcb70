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

package convert

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/rtconvert/checkpoint"
	"github.com/gomlx/rtconvert/policy"
	"github.com/gomlx/rtconvert/rtneural"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flaxExport is a two-layer flat export with the full Flax nesting.
const flaxExport = `{
	"policy": {
		"params": {
			"params": {
				"hidden_0": {"kernel": [[1, 2], [3, 4]], "bias": [0, 0]},
				"hidden_1": {"kernel": [[5], [6]], "bias": [1]}
			}
		}
	},
	"normalizer": {"mean": [0, 0], "std": [1, 1]}
}`

func TestConvertFlaxExport(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "flax_export.json")
	outputPath := filepath.Join(dir, "rtneural.json")
	require.NoError(t, os.WriteFile(inputPath, []byte(flaxExport), 0644))

	doc, err := Convert(inputPath, outputPath, nil)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 720}, doc.InShape)
	require.Len(t, doc.Layers, 2)
	assert.Equal(t, []int{2, 2}, doc.Layers[0].Shape)
	assert.Equal(t, "elu", doc.Layers[0].Activation)
	assert.Equal(t, []int{2, 1}, doc.Layers[1].Shape)
	assert.Equal(t, "", doc.Layers[1].Activation)
	assert.Equal(t, []float64{0, 0}, doc.Normalizer.Mean)

	// The written document decodes back to the same thing.
	contents, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	var decoded rtneural.Document
	require.NoError(t, json.Unmarshal(contents, &decoded))
	assert.Equal(t, doc.Layers, decoded.Layers)
	assert.Equal(t, doc.Normalizer, decoded.Normalizer)
}

func TestConvertCheckpointDirectory(t *testing.T) {
	checkpoint.Register(&pairRestorer{})
	defer checkpoint.Register(nil)

	dir := t.TempDir()
	outputPath := filepath.Join(dir, "rtneural.json")
	doc, err := Convert(dir, outputPath, nil)
	require.NoError(t, err)
	require.Len(t, doc.Layers, 1)
	assert.Equal(t, []float64{0.5, 0.5}, doc.Normalizer.Mean)
}

// pairRestorer emulates the checkpoint-manager layout with framework-typed
// leaves.
type pairRestorer struct{}

func (pairRestorer) Restore(path string) (any, error) {
	return []any{
		map[string]any{"mean": []float32{0.5, 0.5}, "std": []float32{1, 1}, "count": int64(100)},
		map[string]any{"policy": map[string]any{
			"hidden_0": map[string]any{"kernel": [][]float32{{1}, {2}}, "bias": []float32{0}},
		}},
	}, nil
}

func TestConvertFailureWritesNothing(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "empty.json")
	outputPath := filepath.Join(dir, "rtneural.json")
	require.NoError(t, os.WriteFile(inputPath, []byte(`{"params": {}}`), 0644))

	_, err := Convert(inputPath, outputPath, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, policy.ErrExtraction)
	_, statErr := os.Stat(outputPath)
	assert.True(t, os.IsNotExist(statErr), "output must not exist after a failed conversion")
}

func TestConvertMissingInput(t *testing.T) {
	dir := t.TempDir()
	_, err := Convert(filepath.Join(dir, "nope.json"), filepath.Join(dir, "out.json"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, checkpoint.ErrLoad)
}
