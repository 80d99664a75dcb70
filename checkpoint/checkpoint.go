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

// Package checkpoint loads a trained-policy checkpoint into a pytree.
//
// Two input forms are supported:
//
//   - A checkpoint-manager directory (an Orbax archive): deserializing it is
//     delegated to a Restorer, registered by whoever links the actual
//     checkpoint-manager bindings. Without a registered Restorer, directory
//     inputs fail with ErrLoad -- a configuration error, not a conversion bug.
//   - A flat JSON export file (what `flax.serialization` dumps): parsed
//     directly.
//
// Either way the result goes through pytree.Sanitize, so callers only ever see
// plain nested mappings, sequences and float64 leaves.
package checkpoint

import (
	"encoding/json"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/rtconvert/pytree"
	"github.com/gomlx/rtconvert/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrLoad is the failure class for unreadable or unparseable inputs, and for
// directory inputs when no Restorer is registered. Match with errors.Is.
var ErrLoad = errors.New("cannot load checkpoint")

// Restorer deserializes a checkpoint-manager directory into a raw parameter
// tree. It is the external collaborator boundary: implementations typically
// shell out to, or link, the training framework's own checkpoint reader.
type Restorer interface {
	Restore(path string) (pytree.Node, error)
}

var restorer Restorer

// Register installs the Restorer used for directory inputs. Passing nil
// uninstalls it. There is at most one Restorer per process.
func Register(r Restorer) {
	restorer = r
}

// Registered returns the currently installed Restorer, or nil.
func Registered() Restorer {
	return restorer
}

// Load reads the checkpoint at path -- a checkpoint-manager directory or a
// flat JSON export file -- and returns the sanitized parameter tree.
// All failures match ErrLoad.
func Load(path string) (pytree.Node, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, errors.Wrapf(ErrLoad, "resolving input path: %v", err)
	}
	exists, err := fsutil.FileExists(path)
	if err != nil {
		return nil, errors.Wrapf(ErrLoad, "checking input path %q: %v", path, err)
	}
	if !exists {
		return nil, errors.Wrapf(ErrLoad, "input path %q does not exist", path)
	}
	isDir, err := fsutil.IsDir(path)
	if err != nil {
		return nil, errors.Wrapf(ErrLoad, "checking input path %q: %v", path, err)
	}
	if isDir {
		return restore(path)
	}
	return loadFlatExport(path)
}

// restore delegates a checkpoint-manager directory to the registered Restorer.
// Restorer panics (framework bindings are panic-happy) are contained here.
func restore(path string) (pytree.Node, error) {
	if restorer == nil {
		return nil, errors.Wrapf(ErrLoad,
			"input %q is a checkpoint-manager directory, but no checkpoint Restorer is registered -- "+
				"link one and install it with checkpoint.Register() before converting, or convert from a flat JSON export instead",
			path)
	}
	klog.V(1).Infof("restoring checkpoint-manager directory %q", path)
	var tree pytree.Node
	var restoreErr error
	err := exceptions.TryCatch[error](func() {
		tree, restoreErr = restorer.Restore(path)
	})
	if err == nil {
		err = restoreErr
	}
	if err != nil {
		return nil, errors.Wrapf(ErrLoad, "restoring checkpoint-manager directory %q: %v", path, err)
	}
	return pytree.Sanitize(tree), nil
}

// loadFlatExport parses a flat JSON export file into a sanitized tree.
func loadFlatExport(path string) (pytree.Node, error) {
	klog.V(1).Infof("loading flat JSON export %q", path)
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrLoad, "reading flat export %q: %v", path, err)
	}
	var tree any
	if err = json.Unmarshal(contents, &tree); err != nil {
		return nil, errors.Wrapf(ErrLoad, "parsing flat export %q as JSON: %v", path, err)
	}
	return pytree.Sanitize(tree), nil
}
