// Package statestore persists bandit posteriors as JSON, using an atomic
// write-to-temp/fsync/rename sequence so a crash mid-write never corrupts
// the on-disk state. It also resolves the startup load order: runtime
// state, then a committed pre-warmed default, then uniform priors.
package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"smartrag/internal/rag/types"
)

// Schema is the versioned on-disk representation of bandit arm state.
type Schema struct {
	Version int                         `json:"version"`
	Arms    map[string]types.BanditArm `json:"arms"`
}

const currentVersion = 1

// Validate checks the schema invariants: version recognized, every arm has
// alpha > 0 and beta > 0.
func (s Schema) Validate() error {
	if s.Version != currentVersion {
		return &ValidationError{Reason: "unsupported schema version"}
	}
	for name, arm := range s.Arms {
		if arm.Alpha <= 0 || arm.Beta <= 0 {
			return &ValidationError{Reason: "arm " + name + " has non-positive alpha/beta"}
		}
	}
	return nil
}

// ValidationError reports a schema validation failure.
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string { return "bandit state validation: " + e.Reason }

// Save atomically writes arms to path as JSON: write-to-temp, fsync, rename.
func Save(path string, arms map[types.ArmName]*types.BanditArm) error {
	schema := Schema{Version: currentVersion, Arms: make(map[string]types.BanditArm, len(arms))}
	for name, arm := range arms {
		schema.Arms[string(name)] = *arm
	}
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".bandit-state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Source identifies where startup state was loaded from, for logging.
type Source string

const (
	SourceRuntime Source = "runtime"
	SourceDefault Source = "default"
	SourceUniform Source = "uniform"
)

var allArms = []types.ArmName{types.ArmHybrid, types.ArmIterative, types.ArmGraph, types.ArmTable}

// Load resolves startup bandit state: runtimePath if present and valid,
// else defaultPath if present and valid, else uniform Beta(1,1) priors for
// every known arm.
func Load(runtimePath, defaultPath string) (map[types.ArmName]*types.BanditArm, Source) {
	if arms, err := loadFile(runtimePath); err == nil {
		return arms, SourceRuntime
	}
	if arms, err := loadFile(defaultPath); err == nil {
		return arms, SourceDefault
	}
	arms := make(map[types.ArmName]*types.BanditArm, len(allArms))
	for _, name := range allArms {
		arms[name] = &types.BanditArm{Name: name, Alpha: 1, Beta: 1}
	}
	return arms, SourceUniform
}

func loadFile(path string) (map[types.ArmName]*types.BanditArm, error) {
	if path == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var schema Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	arms := make(map[types.ArmName]*types.BanditArm, len(schema.Arms))
	for name, arm := range schema.Arms {
		a := arm
		a.Name = types.ArmName(name)
		arms[types.ArmName(name)] = &a
	}
	// Ensure every known arm exists even if the file only had a subset.
	for _, name := range allArms {
		if _, ok := arms[name]; !ok {
			arms[name] = &types.BanditArm{Name: name, Alpha: 1, Beta: 1}
		}
	}
	return arms, nil
}
