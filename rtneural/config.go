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
	"os"

	"github.com/gomlx/rtconvert/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// NumJoints is the number of actuated joints of the target quadruped: 4 legs,
// 3 joints each. The joint arrays in Config and Document have this length.
const NumJoints = 12

// Config holds the controller constants and conversion options merged into the
// output document. NewConfig returns the Pupper defaults; LoadProfile overlays
// a YAML robot profile on top, so other robots need no code change.
type Config struct {
	// ObservationSize is the flattened observation vector width,
	// ObservationHistory frames times the per-frame feature count.
	ObservationSize    int `yaml:"observation_size"`
	ObservationHistory int `yaml:"observation_history"`

	// Kp and Kd are the joint position and derivative gains; ActionScale
	// scales network outputs to joint-angle offsets.
	Kp          float64 `yaml:"kp"`
	Kd          float64 `yaml:"kd"`
	ActionScale float64 `yaml:"action_scale"`

	// Activation applied after every layer but the last.
	Activation string `yaml:"activation"`

	UseIMU bool `yaml:"use_imu"`

	DefaultJointPos  []float64 `yaml:"default_joint_pos"`
	JointUpperLimits []float64 `yaml:"joint_upper_limits"`
	JointLowerLimits []float64 `yaml:"joint_lower_limits"`
}

// NewConfig returns the default configuration: the Pupper quadruped profile,
// 20 frames of 36 features each and ELU hidden activations.
func NewConfig() *Config {
	return &Config{
		ObservationSize:    720,
		ObservationHistory: 20,
		Kp:                 7.5,
		Kd:                 0.25,
		ActionScale:        0.5,
		Activation:         "elu",
		UseIMU:             true,
		DefaultJointPos: []float64{0.26, 0.0, -0.52, -0.26, 0.0, 0.52,
			0.26, 0.0, -0.52, -0.26, 0.0, 0.52},
		JointUpperLimits: []float64{0.8, 1.2, 0.0, 0.0, 1.2, 1.2,
			0.8, 1.2, 0.0, 0.0, 1.2, 1.2},
		JointLowerLimits: []float64{-0.0, -1.2, -1.2, -0.8, -1.2, -0.0,
			-0.0, -1.2, -1.2, -0.8, -1.2, -0.0},
	}
}

// LoadProfile overlays a YAML robot profile on top of the current values.
// Fields absent from the file keep their current value.
func (c *Config) LoadProfile(path string) error {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return errors.WithMessagef(err, "resolving profile path")
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading robot profile %q", path)
	}
	if err = yaml.Unmarshal(contents, c); err != nil {
		return errors.Wrapf(err, "parsing robot profile %q", path)
	}
	return c.validate(path)
}

// validate checks the joint arrays carry exactly NumJoints values each.
func (c *Config) validate(path string) error {
	for name, values := range map[string][]float64{
		"default_joint_pos":  c.DefaultJointPos,
		"joint_upper_limits": c.JointUpperLimits,
		"joint_lower_limits": c.JointLowerLimits,
	} {
		if len(values) != NumJoints {
			return errors.Errorf("robot profile %q: %s has %d values, expected %d",
				path, name, len(values), NumJoints)
		}
	}
	return nil
}
