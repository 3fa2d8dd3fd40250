package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/openfroyo/focusbridge/pkg/engine"
)

// LoadOperations reads a batch file holding one operation or a list of
// them, in any format Load understands.
func (l *Loader) LoadOperations(path string) ([]engine.Operation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read operations %s: %w", path, err)
	}
	raw, err := l.toJSON(path, data, "operation")
	if err != nil {
		return nil, err
	}
	ops, err := DecodeOperations(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ops, nil
}

// DecodeOperations decodes JSON holding one operation or a list of them.
func DecodeOperations(raw []byte) ([]engine.Operation, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("no operations")
	}

	var ops []engine.Operation
	if raw[0] == '[' {
		if err := decodeStrict(raw, &ops); err != nil {
			return nil, err
		}
	} else {
		var op engine.Operation
		if err := decodeStrict(raw, &op); err != nil {
			return nil, err
		}
		ops = []engine.Operation{op}
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("no operations")
	}
	return ops, nil
}

func decodeStrict(raw []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	return dec.Decode(v)
}
