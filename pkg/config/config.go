// Copyright 2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config implements a tree of registered configuration fragments.
//
// Packages register a pointer to their configuration struct under a dotted
// path, for instance "kmem.pfa". The fragments are then set from a single
// YAML document in which the path components become nested mappings:
//
//   kmem:
//     pfa:
//       Zero: true
//
// Every fragment implements Fragment. Fragments that need to check their
// content after being set also implement FragmentValidator. Fragments that
// take effect outside of their own struct implement FragmentApplier.
package config

import (
	"fmt"
	"os"
	"reflect"
	"sync"
)

// Fragment is a registered piece of configuration.
type Fragment interface {
	// Reset the fragment to its default values.
	Reset()
	// Describe returns a human-readable description of the fragment.
	Describe() string
}

// FragmentValidator is a Fragment which can validate itself.
type FragmentValidator interface {
	Validate() error
}

// FragmentApplier is a Fragment which takes effect once the whole
// configuration has been set and validated.
type FragmentApplier interface {
	Apply() error
}

var (
	lock sync.Mutex
	root = newNode(Path{}, nil)
)

// ReInitialize drops all registered fragments.
func ReInitialize() {
	lock.Lock()
	defer lock.Unlock()
	root = newNode(Path{}, nil)
}

// Register a configuration fragment under the given path.
func Register(path string, ptr interface{}) error {
	if ptr == nil {
		return fmt.Errorf("can't register nil fragment for %q", path)
	}
	if _, ok := ptr.(Fragment); !ok {
		return fmt.Errorf("can't register %q %T: not a config.Fragment", path, ptr)
	}
	t := reflect.TypeOf(ptr)
	if t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("can't register %q %T: not a pointer to struct", path, ptr)
	}
	if path == "" {
		return fmt.Errorf("can't register %T with an empty path", ptr)
	}

	lock.Lock()
	defer lock.Unlock()

	if root.isCompiled() {
		return fmt.Errorf("can't register %q %T: configuration already in use", path, ptr)
	}

	return root.add(makePath(path), ptr)
}

// MustRegister registers a configuration fragment, panicking on failure.
func MustRegister(path string, ptr interface{}) {
	if err := Register(path, ptr); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
}

// SetYAML resets all fragments then sets them from the given YAML data.
func SetYAML(raw []byte) error {
	lock.Lock()
	defer lock.Unlock()
	return root.SetYAML(raw)
}

// SetYAMLFile sets the configuration from the given YAML file.
func SetYAMLFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}
	if err := SetYAML(raw); err != nil {
		return fmt.Errorf("failed to apply configuration file %q: %w", path, err)
	}
	return nil
}

// GetYAML returns the current configuration as YAML.
func GetYAML() ([]byte, error) {
	lock.Lock()
	defer lock.Unlock()
	return root.GetYAML()
}

// Reset all fragments to their defaults.
func Reset() {
	lock.Lock()
	defer lock.Unlock()
	root.Reset()
}

// GetConfig returns the fragment registered under the given path.
func GetConfig(path string) (interface{}, bool) {
	lock.Lock()
	defer lock.Unlock()
	return root.GetConfig(path)
}

// Describe returns the descriptions of all registered fragments.
func Describe() string {
	lock.Lock()
	defer lock.Unlock()
	return root.describe()
}

// Dump returns the current configuration tree, optionally with its data.
func Dump(withData bool) string {
	lock.Lock()
	defer lock.Unlock()
	return root.dump(0, withData)
}
