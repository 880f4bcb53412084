/*
 *
 * Copyright 2025 Mercury authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package sm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Options configures an endpoint.
type Options struct {
	// Listen makes the endpoint create and own a shared region so that
	// peers can initiate communication with it.
	Listen bool `yaml:"listen"`

	// NoWait disables the poll set and wake notifiers; progress then
	// scans rings instead of sleeping on descriptors.
	NoWait bool `yaml:"no_wait"`

	// MaxContexts bounds the instance ordinals handed out in this
	// process. At most 256 endpoints per process are addressable.
	MaxContexts uint32 `yaml:"max_contexts"`
}

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() *Options {
	return &Options{MaxContexts: 256}
}

// LoadOptions reads an Options document from a YAML file, filling
// unspecified fields with defaults.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options %s: %w", path, err)
	}
	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("parse options %s: %w", path, err)
	}
	if opts.MaxContexts == 0 || opts.MaxContexts > 256 {
		opts.MaxContexts = 256
	}
	return opts, nil
}
