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

package config

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"unicode"

	"github.com/hashicorp/go-multierror"
	"sigs.k8s.io/yaml"
)

// node is a node in the configuration tree.
//
// Registered fragments are attached to nodes. Intermediate nodes without
// fragments are created for path prefixes with no fragment of their own.
type node struct {
	path     Path
	ptr      interface{}
	children map[string]*node
	cfgType  reflect.Type
	cfgValue reflect.Value
}

func newNode(path Path, ptr interface{}) *node {
	return &node{
		path:     path.Clone(),
		ptr:      ptr,
		children: map[string]*node{},
	}
}

// Reset all fragments in the subtree.
func (n *node) Reset() {
	for _, name := range n.childNames() {
		n.children[name].Reset()
	}
	if n.ptr != nil {
		n.ptr.(Fragment).Reset()
	}
}

// Validate all fragments in the subtree.
func (n *node) Validate() error {
	var errors *multierror.Error

	for _, name := range n.childNames() {
		if err := n.children[name].Validate(); err != nil {
			errors = multierror.Append(errors, err)
		}
	}

	if v, ok := n.ptr.(FragmentValidator); ok {
		if err := v.Validate(); err != nil {
			errors = multierror.Append(errors, fmt.Errorf("%q: %w", n.path.String(), err))
		}
	}

	return errors.ErrorOrNil()
}

// SetYAML resets the subtree then sets it from the given YAML data.
func (n *node) SetYAML(raw []byte) error {
	if err := n.compile(); err != nil {
		return err
	}

	n.Reset()
	if err := yaml.UnmarshalStrict(raw, n.cfgValue.Interface()); err != nil {
		return err
	}

	if err := n.Validate(); err != nil {
		return err
	}

	return n.Apply()
}

// Apply activates all applicable fragments in the subtree.
func (n *node) Apply() error {
	var errors *multierror.Error

	for _, name := range n.childNames() {
		if err := n.children[name].Apply(); err != nil {
			errors = multierror.Append(errors, err)
		}
	}

	if a, ok := n.ptr.(FragmentApplier); ok {
		if err := a.Apply(); err != nil {
			errors = multierror.Append(errors, fmt.Errorf("%q: %w", n.path.String(), err))
		}
	}

	return errors.ErrorOrNil()
}

// GetYAML returns the subtree as YAML data.
func (n *node) GetYAML() ([]byte, error) {
	if err := n.compile(); err != nil {
		return nil, err
	}
	return yaml.Marshal(n.cfgValue.Interface())
}

// GetConfig returns the fragment registered at the given path.
func (n *node) GetConfig(path string) (interface{}, bool) {
	p := n.get(path)
	if p == nil || p.ptr == nil {
		return nil, false
	}
	return p.ptr, true
}

func (n *node) add(path Path, ptr interface{}) error {
	if err := path.Validate(); err != nil {
		return err
	}

	p := n
	for idx, name := range path.Canonical() {
		c, ok := p.children[name]
		if !ok {
			c = newNode(path.Sub(0, idx+1), nil)
			p.children[name] = c
		}
		p = c
	}

	if p.ptr != nil {
		return fmt.Errorf("conflict with %q %T", p.path.String(), p.ptr)
	}

	p.path = path.Clone()
	p.ptr = ptr

	return nil
}

func (n *node) get(path string) *node {
	p := n
	for _, name := range makePath(path).Canonical() {
		c, ok := p.children[name]
		if !ok {
			return nil
		}
		p = c
	}
	return p
}

func (n *node) isLeaf() bool {
	return len(n.children) == 0
}

func (n *node) isCompiled() bool {
	return n.cfgValue.IsValid()
}

func (n *node) childNames() []string {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// compile builds, bottom-up, a struct type mirroring the tree below n.
//
// A leaf uses its registered fragment as such. An internal node gets one
// pointer field per child. If an internal node has a fragment of its own,
// pointers to the fragment's exported fields are added next to the child
// fields, so the fragment appears embedded in the generated struct. Once
// compiled, the tree accepts no more registrations.
func (n *node) compile() error {
	if n.isCompiled() {
		return nil
	}

	if n.isLeaf() {
		if n.ptr == nil {
			n.ptr = &emptyFragment{}
		}
		n.cfgType = reflect.TypeOf(n.ptr).Elem()
		n.cfgValue = reflect.ValueOf(n.ptr)
		return nil
	}

	names := n.childNames()
	for _, name := range names {
		if err := n.children[name].compile(); err != nil {
			return err
		}
	}

	fields := []reflect.StructField{}
	if n.ptr != nil {
		for _, f := range reflect.VisibleFields(reflect.TypeOf(n.ptr).Elem()) {
			if !f.IsExported() || f.Anonymous {
				continue
			}
			typ := f.Type
			if typ.Kind() != reflect.Pointer {
				typ = reflect.PointerTo(typ)
			}
			fields = append(fields, reflect.StructField{Name: f.Name, Type: typ, Tag: f.Tag})
		}
	}
	for _, name := range names {
		c := n.children[name]
		fields = append(fields, reflect.StructField{
			Name: name,
			Type: reflect.PointerTo(c.cfgType),
			Tag:  reflect.StructTag(c.path.StructTags()),
		})
	}

	n.cfgType = reflect.StructOf(fields)
	n.cfgValue = reflect.New(n.cfgType)

	if n.ptr != nil {
		v := reflect.ValueOf(n.ptr).Elem()
		for _, f := range reflect.VisibleFields(v.Type()) {
			if !f.IsExported() || f.Anonymous {
				continue
			}
			src := v.FieldByIndex(f.Index)
			if f.Type.Kind() != reflect.Pointer {
				src = src.Addr()
			}
			n.cfgValue.Elem().FieldByName(f.Name).Set(src)
		}
	}
	for _, name := range names {
		n.cfgValue.Elem().FieldByName(name).Set(n.children[name].cfgValue)
	}

	return nil
}

func (n *node) dump(level int, withData bool) string {
	str := ""

	if n.ptr != nil {
		str = fmt.Sprintf("%s%T", indent(level), n.ptr)
		if withData {
			data, err := yaml.Marshal(n.ptr)
			if err != nil {
				str += fmt.Sprintf("\n%s| failed to marshal data (%v)", indent(level+2), err)
			} else {
				for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
					str += fmt.Sprintf("\n%s| %s", indent(level+2), line)
				}
			}
		}
		str += "\n"
	}

	for _, name := range n.childNames() {
		str += fmt.Sprintf("%s%s:\n", indent(level), name)
		str += n.children[name].dump(level+2, withData)
	}

	return str
}

func (n *node) describe() string {
	str := ""
	if f, ok := n.ptr.(Fragment); ok {
		if d := f.Describe(); d != "" {
			str += fmt.Sprintf("%s:\n%s\n", n.path.String(), strings.TrimRight(d, "\n"))
		}
	}
	for _, name := range n.childNames() {
		str += n.children[name].describe()
	}
	return str
}

func indent(level int) string {
	return fmt.Sprintf("%*s", level, "")
}

// emptyFragment stands in for intermediate leaves created by a compile
// before any fragment was registered below them.
type emptyFragment struct{}

func (*emptyFragment) Reset()           {}
func (*emptyFragment) Describe() string { return "" }

const (
	pathSep = "."
	wordSep = "-"
)

// Path is a configuration path split into its components.
type Path []string

func makePath(s string) Path {
	if s == "" {
		return Path{}
	}
	return strings.Split(s, pathSep)
}

// Validate checks that the path has no empty components.
func (p Path) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("invalid empty path")
	}
	for _, name := range p {
		if name == "" {
			return fmt.Errorf("invalid path %q, has empty name", p.String())
		}
	}
	return nil
}

func (p Path) String() string {
	return strings.Join(p, pathSep)
}

// Clone returns a copy of the path.
func (p Path) Clone() Path {
	c := make(Path, len(p))
	copy(c, p)
	return c
}

// Sub returns the components [beg, end) of the path.
func (p Path) Sub(beg, end int) Path {
	return p[beg:end]
}

// Name returns the last component of the path.
func (p Path) Name() string {
	return p[len(p)-1]
}

// StructTags returns the tags for the generated field of the path.
func (p Path) StructTags() string {
	return fmt.Sprintf(`json:"%s,omitempty"`, goName(p.Name()))
}

// Canonical returns the path with every component in Go field name form.
func (p Path) Canonical() Path {
	c := make(Path, 0, len(p))
	for _, word := range p {
		c = append(c, goName(word))
	}
	return c
}

// goName turns a dash-separated name into an exported Go identifier.
func goName(name string) string {
	b := strings.Builder{}
	for _, w := range strings.Split(name, wordSep) {
		if w == "" {
			continue
		}
		r := []rune(w)
		b.WriteRune(unicode.ToUpper(r[0]))
		b.WriteString(string(r[1:]))
	}
	return b.String()
}
