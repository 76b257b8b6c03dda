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

package mem

import (
	"github.com/pkg/errors"
)

var (
	// ErrNoMemory is returned when memory or metadata can't be allocated.
	ErrNoMemory = errors.New("out of memory")
	// ErrInvalid is returned for invalid arguments.
	ErrInvalid = errors.New("invalid argument")
	// ErrAgain is returned when a range overlaps an existing mapping.
	ErrAgain = errors.New("range already mapped")
	// ErrBusy is returned when an object is still in use.
	ErrBusy = errors.New("resource busy")
)

// Errorf wraps one of the sentinel errors with a formatted message.
func Errorf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// Is returns true if err was created by wrapping the target sentinel.
func Is(err, target error) bool {
	return err != nil && errors.Cause(err) == target
}
