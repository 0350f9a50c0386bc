// Package cliconfig implements the operator-facing config commands:
// dotted-path get/set/unset and the doctor diagnostics.
package cliconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/KafClaw/clawcore/internal/config"
)

// segment is one step of a config path: a key or an array index.
type segment struct {
	key   string
	index int
	isIdx bool
}

// Get returns the effective value at path (e.g. "channels.telegram.allowFrom[0]")
// after defaults, includes and environment overrides are applied.
func Get(path string) (any, error) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	v, ok := lookup(tree, segs)
	if !ok {
		return nil, fmt.Errorf("path not found: %s", path)
	}
	return v, nil
}

// Set stores raw at path in the config file. raw is decoded as JSON when
// possible and kept as a string otherwise.
func Set(path, raw string) error {
	segs, err := parsePath(path)
	if err != nil {
		return err
	}
	tree, file, err := readFileTree()
	if err != nil {
		return err
	}
	root, ok := assign(tree, segs, decodeValue(raw)).(map[string]any)
	if !ok {
		return errors.New("config root must be an object")
	}
	return writeFileTree(file, root)
}

// Unset removes path from the config file.
func Unset(path string) error {
	segs, err := parsePath(path)
	if err != nil {
		return err
	}
	tree, file, err := readFileTree()
	if err != nil {
		return err
	}
	root, removed := remove(tree, segs)
	if !removed {
		return fmt.Errorf("path not found: %s", path)
	}
	return writeFileTree(file, root.(map[string]any))
}

func readFileTree() (map[string]any, string, error) {
	file, err := config.ConfigPath()
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, file, nil
	}
	if err != nil {
		return nil, "", err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, "", fmt.Errorf("parse %s: %w", file, err)
	}
	if tree == nil {
		tree = map[string]any{}
	}
	return tree, file, nil
}

func writeFileTree(file string, tree map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(file, data, 0o600)
}

func parsePath(path string) ([]segment, error) {
	path = strings.TrimSpace(path)
	var segs []segment
	for _, part := range strings.Split(path, ".") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, rest, _ := strings.Cut(part, "[")
		if key = strings.TrimSpace(key); key != "" {
			segs = append(segs, segment{key: key})
		}
		for rest != "" {
			raw, after, ok := strings.Cut(rest, "]")
			if !ok {
				return nil, fmt.Errorf("invalid path: missing closing ] in %q", path)
			}
			idx, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("invalid array index %q in %q", raw, path)
			}
			segs = append(segs, segment{index: idx, isIdx: true})
			after = strings.TrimSpace(after)
			if after == "" {
				break
			}
			if !strings.HasPrefix(after, "[") {
				return nil, fmt.Errorf("invalid path: unexpected %q in %q", after, path)
			}
			rest = after[1:]
		}
	}
	if len(segs) == 0 {
		return nil, errors.New("path is empty")
	}
	return segs, nil
}

func decodeValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func lookup(node any, segs []segment) (any, bool) {
	for _, s := range segs {
		if s.isIdx {
			arr, ok := node.([]any)
			if !ok || s.index >= len(arr) {
				return nil, false
			}
			node = arr[s.index]
			continue
		}
		obj, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		if node, ok = obj[s.key]; !ok {
			return nil, false
		}
	}
	return node, true
}

// assign returns node with value stored at segs, creating containers as needed.
func assign(node any, segs []segment, value any) any {
	if len(segs) == 0 {
		return value
	}
	s := segs[0]
	if s.isIdx {
		arr, _ := node.([]any)
		for len(arr) <= s.index {
			arr = append(arr, nil)
		}
		arr[s.index] = assign(arr[s.index], segs[1:], value)
		return arr
	}
	obj, ok := node.(map[string]any)
	if !ok {
		obj = map[string]any{}
	}
	obj[s.key] = assign(obj[s.key], segs[1:], value)
	return obj
}

// remove returns node without the value at segs and whether anything changed.
func remove(node any, segs []segment) (any, bool) {
	s := segs[0]
	last := len(segs) == 1
	if s.isIdx {
		arr, ok := node.([]any)
		if !ok || s.index >= len(arr) {
			return node, false
		}
		if last {
			return append(arr[:s.index], arr[s.index+1:]...), true
		}
		child, changed := remove(arr[s.index], segs[1:])
		arr[s.index] = child
		return arr, changed
	}
	obj, ok := node.(map[string]any)
	if !ok {
		return node, false
	}
	child, ok := obj[s.key]
	if !ok {
		return node, false
	}
	if last {
		delete(obj, s.key)
		return obj, true
	}
	child, changed := remove(child, segs[1:])
	obj[s.key] = child
	return obj, changed
}
