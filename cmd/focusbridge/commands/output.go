package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/openfroyo/focusbridge/pkg/config"
	"github.com/openfroyo/focusbridge/pkg/engine"
)

// readOperations reads operations from a file, or from r when the path is
// empty or "-". Standard input may carry comments.
func readOperations(loader *config.Loader, args []string, r io.Reader) ([]engine.Operation, error) {
	if len(args) > 0 && args[0] != "-" {
		return loader.LoadOperations(args[0])
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read operations: %w", err)
	}
	ops, err := config.DecodeOperations(jsonc.ToJSON(data))
	if err != nil {
		return nil, fmt.Errorf("stdin: %w", err)
	}
	return ops, nil
}

// outcome is one printed operation result.
type outcome struct {
	Index       int                 `json:"index"`
	OperationID string              `json:"operationId,omitempty"`
	Entity      engine.EntityClass  `json:"entityClass"`
	Mode        engine.Mode         `json:"mode"`
	Kind        string              `json:"kind"`
	Result      *engine.TypedResult `json:"result,omitempty"`
	Error       string              `json:"error,omitempty"`
}

func newOutcome(i int, op engine.Operation, res *engine.TypedResult, err error) outcome {
	o := outcome{Index: i, OperationID: op.ID, Entity: op.EntityClass, Mode: op.Mode, Result: res}
	switch {
	case err != nil:
		o.Kind = "error"
		o.Error = err.Error()
	case res != nil:
		o.Kind = res.Label()
		if res.OperationID != "" {
			o.OperationID = res.OperationID
		}
	}
	return o
}

func (o outcome) ok() bool {
	return o.Error == "" && o.Result.IsSuccess()
}

// printOutcome writes one JSON line per outcome with --json, otherwise a
// summary line followed by the payload or message.
func printOutcome(w io.Writer, o outcome) error {
	if jsonOutput {
		return json.NewEncoder(w).Encode(o)
	}

	fmt.Fprintf(w, "[%d] %s/%s %s", o.Index, o.Entity, o.Mode, o.Kind)
	if o.OperationID != "" {
		fmt.Fprintf(w, " (%s)", o.OperationID)
	}
	fmt.Fprintln(w)

	res := o.Result
	switch {
	case o.Error != "":
		fmt.Fprintf(w, "  %s\n", o.Error)
	case res == nil:
	case res.Success != nil:
		writeIndented(w, res.Success.Payload)
	case res.Partial != nil:
		fmt.Fprintf(w, "  %s\n", res.Partial.Message)
		writeIndented(w, res.Partial.Payload)
	case res.AppError != nil:
		fmt.Fprintf(w, "  %s\n", res.AppError.Message)
	case res.Failure != nil:
		fmt.Fprintf(w, "  %s\n", res.Failure.Message)
	}
	return nil
}

func writeIndented(w io.Writer, payload json.RawMessage) {
	if len(payload) == 0 {
		return
	}
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		fmt.Fprintf(w, "  %s\n", payload)
		return
	}
	out, _ := json.MarshalIndent(v, "  ", "  ")
	fmt.Fprintf(w, "  %s\n", out)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// failedError summarizes unsuccessful outcomes for the exit status.
func failedError(outcomes []outcome) error {
	var failed []string
	for _, o := range outcomes {
		if !o.ok() {
			failed = append(failed, fmt.Sprintf("%d:%s", o.Index, o.Kind))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d operations did not succeed (%s)", len(failed), len(outcomes), strings.Join(failed, ", "))
}

func stdinOrFile(args []string) string {
	if len(args) == 0 || args[0] == "-" {
		return "stdin"
	}
	return args[0]
}
