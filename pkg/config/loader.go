package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Loader reads configuration files. The format follows the extension:
// .cue, .yaml/.yml, or .json/.jsonc.
type Loader struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{
		schemas:   NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// Schemas returns the loader's schema registry.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load reads path over the defaults and validates the result.
// An empty path yields the defaults.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, l.Validate(cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	raw, err := l.toJSON(path, data, "config")
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, ValidationErrors{{File: path, Message: err.Error()}}
	}
	if err := l.Validate(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func (l *Loader) Validate(cfg *Config) error {
	if err := l.validator.Struct(cfg); err != nil {
		return convertValidatorErrors(err)
	}
	if cfg.Bridge.Transport == "ssh" && cfg.SSH == nil {
		return ValidationErrors{{Path: "ssh", Message: "required when bridge.transport is ssh"}}
	}
	if cfg.Telemetry.TracingEnabled && cfg.Telemetry.TracingExporter == "otlp" && cfg.Telemetry.TracingEndpoint == "" {
		return ValidationErrors{{Path: "telemetry.tracingEndpoint", Message: "required for the otlp exporter"}}
	}
	return nil
}

// toJSON normalizes a source of any supported format to JSON. CUE sources
// are unified with the named schema first.
func (l *Loader) toJSON(path string, data []byte, schema string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		val := l.schemas.Context().CompileBytes(data, cue.Filename(path))
		if err := val.Err(); err != nil {
			return nil, convertCUEErrors(err)
		}
		if schema != "" {
			unified, err := l.unifyCUE(schema, val)
			if err != nil {
				return nil, err
			}
			val = unified
		}
		out, err := val.MarshalJSON()
		if err != nil {
			return nil, convertCUEErrors(err)
		}
		return out, nil

	case ".yaml", ".yml":
		var v interface{}
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, ValidationErrors{{File: path, Message: err.Error()}}
		}
		if v == nil {
			return []byte("{}"), nil
		}
		out, err := json.Marshal(v)
		if err != nil {
			return nil, ValidationErrors{{File: path, Message: err.Error()}}
		}
		return out, nil

	case ".json", ".jsonc":
		out := jsonc.ToJSON(data)
		if !json.Valid(out) {
			return nil, ValidationErrors{{File: path, Message: "invalid JSON"}}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
}

// unifyCUE applies a schema to a value. A top-level list is unified
// element-wise.
func (l *Loader) unifyCUE(schema string, val cue.Value) (cue.Value, error) {
	if val.Kind() != cue.ListKind {
		unified, err := l.schemas.Unify(schema, val)
		if err != nil {
			return cue.Value{}, convertCUEErrors(err)
		}
		return unified, nil
	}

	iter, err := val.List()
	if err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	var errs ValidationErrors
	for iter.Next() {
		if _, err := l.schemas.Unify(schema, iter.Value()); err != nil {
			errs = append(errs, convertCUEErrors(err)...)
		}
	}
	if len(errs) > 0 {
		return cue.Value{}, errs
	}
	return val, nil
}

// convertCUEErrors flattens a CUE error into positioned validation errors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{Message: cueerrors.Details(e, nil)}
		// Prefer a position in the user's file over one in the schema.
		for _, pos := range cueerrors.Positions(e) {
			if ve.File != "" && strings.HasPrefix(pos.Filename(), schemaFilePrefix) {
				continue
			}
			ve.File = pos.Filename()
			ve.Line = pos.Line()
			ve.Column = pos.Column()
			if !strings.HasPrefix(ve.File, schemaFilePrefix) {
				break
			}
		}
		if p := e.Path(); len(p) > 0 {
			ve.Path = strings.Join(p, ".")
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

func convertValidatorErrors(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("failed %q constraint (value %v)", fe.Tag(), fe.Value()),
		})
	}
	return out
}
