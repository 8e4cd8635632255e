// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"grimm.is/uplink/internal/errors"
	"grimm.is/uplink/internal/facility"
)

// evalContext lets facility arguments reference ${CFG_DIR} without
// escaping. The placeholder survives decoding and is expanded per facility.
var evalContext = &hcl.EvalContext{
	Variables: map[string]cty.Value{
		"CFG_DIR": cty.StringVal(facility.CfgDirVar),
	},
}

// LoadFile loads, defaults and validates a config file (HCL or JSON).
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotFound, "failed to read config file")
	}
	return Load(data, path)
}

// Load parses data, choosing the syntax from the filename extension. Files
// without a recognised extension are tried as HCL first, then JSON.
func Load(data []byte, filename string) (*Config, error) {
	var (
		cfg *Config
		err error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".hcl":
		cfg, err = LoadHCL(data, filename)
	case ".json":
		cfg, err = LoadJSON(data, filename)
	default:
		var hclErr error
		cfg, hclErr = LoadHCL(data, filename)
		if hclErr != nil {
			var jsonErr error
			cfg, jsonErr = LoadJSON(data, filename)
			if jsonErr != nil {
				err = fmt.Errorf("failed to parse config as HCL: %w (JSON fallback error: %v)", hclErr, jsonErr)
			}
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "invalid configuration")
	}

	cfg.ApplyDefaults()
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errors.Wrap(errs, errors.KindValidation, "invalid configuration")
	}
	return cfg, nil
}

// LoadHCL decodes HCL native syntax without defaults or validation.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL: %w", diags)
	}
	return decode(file)
}

// LoadJSON decodes the JSON syntax of the same schema. Connection blocks
// keep their plugin options as an HCL body either way.
func LoadJSON(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseJSON(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse JSON: %w", diags)
	}
	return decode(file)
}

func decode(file *hcl.File) (*Config, error) {
	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, evalContext, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode config: %w", diags)
	}
	if cfg.SchemaVersion != "" && cfg.SchemaVersion != CurrentSchemaVersion {
		return nil, fmt.Errorf("config version %s is not supported (want %s)", cfg.SchemaVersion, CurrentSchemaVersion)
	}
	return &cfg, nil
}
