// Package testutil holds shared fixtures: change events as they leave the
// encoder.
package testutil

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
)

// Fixture returns the raw bytes of a fixture in this directory
func Fixture(name string) ([]byte, error) {
	_, self, _, _ := runtime.Caller(0)
	return os.ReadFile(filepath.Join(filepath.Dir(self), name))
}

// LoadJSON decodes fixture name into a generic map, numbers kept as
// json.Number, and into target when one is given.
func LoadJSON(name string, target ...any) (map[string]any, error) {
	data, err := Fixture(name)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}

	for _, t := range target {
		if t == nil {
			continue
		}
		if err := json.Unmarshal(data, t); err != nil {
			return nil, err
		}
	}
	return doc, nil
}
