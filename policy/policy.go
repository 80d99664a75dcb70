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

// Package policy locates the feed-forward policy network inside a loaded
// checkpoint tree, whatever nesting convention the export path happened to
// use, and re-expresses it as a plain ordered stack of dense layers plus the
// observation normalizer statistics.
//
// The input schema is not fixed -- it is whatever the training framework
// serialized -- so resolution works through an explicit, ordered list of named
// strategies, tried in priority order until one claims the tree.
package policy

import (
	"fmt"
	"strconv"

	"github.com/gomlx/rtconvert/pytree"
	"github.com/gomlx/rtconvert/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrExtraction is the failure class for trees in which no policy network can
// be located, or whose layer entries are malformed. Match with errors.Is.
var ErrExtraction = errors.New("cannot extract policy parameters")

// Layer is one dense (fully connected) layer: a kernel of shape
// [in_features, out_features] and a bias of length out_features.
type Layer struct {
	Kernel [][]float64
	Bias   []float64
}

// InFeatures is the layer input width. Zero for a degenerate bias-only layer.
func (l *Layer) InFeatures() int {
	return len(l.Kernel)
}

// OutFeatures is the layer output width. For a degenerate layer whose kernel
// has no rows it is inferred from the bias length.
func (l *Layer) OutFeatures() int {
	if len(l.Kernel) > 0 {
		return len(l.Kernel[0])
	}
	return len(l.Bias)
}

// NumParameters is the total count of kernel and bias values in the layer.
func (l *Layer) NumParameters() int {
	return l.InFeatures()*l.OutFeatures() + len(l.Bias)
}

// Normalizer holds per-feature observation statistics. Either field (or both)
// may be absent from the checkpoint, which is not an error.
type Normalizer struct {
	Mean []float64
	Std  []float64
}

// IsEmpty reports whether no statistics at all were found.
func (n *Normalizer) IsEmpty() bool {
	return len(n.Mean) == 0 && len(n.Std) == 0
}

// Params is the normalized policy: dense layers in evaluation order plus the
// observation normalizer.
type Params struct {
	Layers     []Layer
	Normalizer Normalizer
}

// NumParameters is the total count of weight values across all layers.
func (p *Params) NumParameters() (total int) {
	for ii := range p.Layers {
		total += p.Layers[ii].NumParameters()
	}
	return
}

// resolution is one strategy to split a raw tree into model data and
// normalizer data. It either declines the tree (claimed=false), claims it, or
// claims it and fails (the tree matched its shape but is unusable).
type resolution struct {
	name    string
	resolve func(root pytree.Node) (model, normalizer pytree.Node, claimed bool, err error)
}

// resolutions in priority order: first strategy to claim the tree wins.
var resolutions = []resolution{
	{"checkpoint-pair", resolveCheckpointPair},
	{"flat-export", resolveFlatExport},
}

// resolveCheckpointPair claims top-level ordered sequences: the
// checkpoint-manager layout `[normalizer_data, model_data, ...]`. Shorter
// sequences are ambiguous and rejected.
func resolveCheckpointPair(root pytree.Node) (model, normalizer pytree.Node, claimed bool, err error) {
	list, ok := pytree.List(root)
	if !ok {
		return nil, nil, false, nil
	}
	if len(list) < 2 {
		return nil, nil, true, errors.Wrapf(ErrExtraction,
			"top-level sequence has %d element(s), expected at least the [normalizer, model] pair", len(list))
	}
	return list[1], list[0], true, nil
}

// resolveFlatExport claims top-level mappings: the flat JSON export layout,
// where the tree itself is the model data and normalizer statistics live
// under an optional "normalizer" key.
func resolveFlatExport(root pytree.Node) (model, normalizer pytree.Node, claimed bool, err error) {
	m, ok := pytree.Map(root)
	if !ok {
		return nil, nil, false, nil
	}
	return root, m["normalizer"], true, nil
}

// Extract locates the policy network and normalizer statistics in a sanitized
// checkpoint tree. All failures match ErrExtraction.
func Extract(root pytree.Node) (*Params, error) {
	var model, normalizerData pytree.Node
	resolved := false
	for _, strategy := range resolutions {
		m, n, claimed, err := strategy.resolve(root)
		if err != nil {
			return nil, errors.WithMessagef(err, "resolution strategy %q", strategy.name)
		}
		if claimed {
			klog.V(1).Infof("checkpoint structure resolved by strategy %q", strategy.name)
			model, normalizerData, resolved = m, n, true
			break
		}
	}
	if !resolved {
		return nil, errors.Wrapf(ErrExtraction, "unsupported top-level structure %T, expected a mapping or a sequence", root)
	}

	layers, err := extractLayers(policyParams(model))
	if err != nil {
		return nil, err
	}
	normalizer, err := extractNormalizer(normalizerData)
	if err != nil {
		return nil, err
	}
	return &Params{Layers: layers, Normalizer: normalizer}, nil
}

// policyParams descends from the model data to the mapping actually holding
// the per-layer entries: into "policy" when present, then through up to two
// levels of "params" wrapping -- Flax serializes `{"params": {"params": ...}}`
// or `{"params": ...}` depending on how the train state was exported.
func policyParams(model pytree.Node) pytree.Node {
	if m, ok := pytree.Map(model); ok {
		if p, found := m["policy"]; found {
			model = p
		}
	}
	m, ok := pytree.Map(model)
	if !ok {
		return model
	}
	if outer, found := m["params"]; found {
		if om, ok := pytree.Map(outer); ok {
			if inner, found := om["params"]; found {
				return inner
			}
		}
		return outer
	}
	return model
}

// layerNameAt probes the candidate naming conventions for layer index i, in
// documented precedence order, and returns the first key present.
func layerNameAt(params map[string]any, i int) (string, bool) {
	for _, name := range []string{
		fmt.Sprintf("hidden_%d", i),
		strconv.Itoa(i),
		fmt.Sprintf("Dense_%d", i),
	} {
		if _, found := params[name]; found {
			return name, true
		}
	}
	return "", false
}

// extractLayers walks layer indices from 0 until the first index with no entry
// under any known naming convention. At least one layer must be found.
func extractLayers(node pytree.Node) ([]Layer, error) {
	params, ok := pytree.Map(node)
	if !ok {
		return nil, errors.Wrapf(ErrExtraction, "layer parameters are %T, expected a mapping", node)
	}
	var layers []Layer
	for i := 0; ; i++ {
		name, found := layerNameAt(params, i)
		if !found {
			break
		}
		layer, err := extractLayer(params[name], name)
		if err != nil {
			return nil, err
		}
		klog.V(1).Infof("layer %d (%q): kernel [%d, %d], bias [%d]",
			i, name, layer.InFeatures(), layer.OutFeatures(), len(layer.Bias))
		layers = append(layers, layer)
	}
	if len(layers) == 0 {
		return nil, errors.Wrapf(ErrExtraction,
			"no layers found -- expected entries named hidden_0, 0 or Dense_0 among keys %v", xslices.SortedKeys(params))
	}
	return layers, nil
}

// extractLayer coerces one layer entry, requiring both "kernel" and "bias".
func extractLayer(node pytree.Node, name string) (layer Layer, err error) {
	entry, ok := pytree.Map(node)
	if !ok {
		return layer, errors.Wrapf(ErrExtraction, "layer %q is %T, expected a mapping", name, node)
	}
	kernelNode, found := entry["kernel"]
	if !found {
		return layer, errors.Wrapf(ErrExtraction, "layer %q is missing key \"kernel\"", name)
	}
	biasNode, found := entry["bias"]
	if !found {
		return layer, errors.Wrapf(ErrExtraction, "layer %q is missing key \"bias\"", name)
	}
	layer.Kernel, err = pytree.Matrix(kernelNode)
	if err != nil {
		return layer, errors.Wrapf(ErrExtraction, "layer %q kernel: %v", name, err)
	}
	layer.Bias, err = pytree.Vector(biasNode)
	if err != nil {
		return layer, errors.Wrapf(ErrExtraction, "layer %q bias: %v", name, err)
	}
	if len(layer.Kernel) > 0 && len(layer.Bias) != len(layer.Kernel[0]) {
		return layer, errors.Wrapf(ErrExtraction, "layer %q: bias has %d values, kernel has %d columns",
			name, len(layer.Bias), len(layer.Kernel[0]))
	}
	return layer, nil
}

// extractNormalizer reads optional "mean" and "std" statistics. A nil or
// non-mapping node, or missing fields, yield an empty/partial normalizer.
func extractNormalizer(node pytree.Node) (normalizer Normalizer, err error) {
	entry, ok := pytree.Map(node)
	if !ok {
		return normalizer, nil
	}
	if meanNode, found := entry["mean"]; found {
		normalizer.Mean, err = pytree.Vector(meanNode)
		if err != nil {
			return normalizer, errors.Wrapf(ErrExtraction, "normalizer mean: %v", err)
		}
	}
	if stdNode, found := entry["std"]; found {
		normalizer.Std, err = pytree.Vector(stdNode)
		if err != nil {
			return normalizer, errors.Wrapf(ErrExtraction, "normalizer std: %v", err)
		}
	}
	return normalizer, nil
}
