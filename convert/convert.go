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

// Package convert runs the full conversion pipeline: load the checkpoint,
// locate the policy network, build the canonical RTNeural document and write
// it out. One call converts one checkpoint; no state survives the call.
package convert

import (
	"github.com/gomlx/rtconvert/checkpoint"
	"github.com/gomlx/rtconvert/policy"
	"github.com/gomlx/rtconvert/rtneural"
	"github.com/pkg/errors"
)

// Convert reads the checkpoint at inputPath (checkpoint-manager directory or
// flat JSON export), converts it with cfg (nil for defaults) and writes the
// document to outputPath. If any stage fails, no output file is written.
//
// The returned document is the one written, for reporting.
func Convert(inputPath, outputPath string, cfg *rtneural.Config) (*rtneural.Document, error) {
	doc, err := Build(inputPath, cfg)
	if err != nil {
		return nil, err
	}
	if err = doc.Save(outputPath); err != nil {
		return nil, errors.WithMessagef(err, "writing %q", outputPath)
	}
	return doc, nil
}

// Build runs the conversion up to, but not including, the output write.
func Build(inputPath string, cfg *rtneural.Config) (*rtneural.Document, error) {
	tree, err := checkpoint.Load(inputPath)
	if err != nil {
		return nil, err
	}
	params, err := policy.Extract(tree)
	if err != nil {
		return nil, errors.WithMessagef(err, "extracting policy from %q", inputPath)
	}
	return rtneural.Build(params, cfg)
}
