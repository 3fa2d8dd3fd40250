package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/openfroyo/focusbridge/pkg/engine"
)

// Markers the bridge prints for scripts it could not compile.
var syntaxMarkers = []string{"SyntaxError", "-2740", "-2741"}

// Markers of the null-versus-absent comparison failure class.
var comparisonMarkers = []string{"Illegal comparison", "-1726", "-1700"}

var comparisonCodes = map[int]bool{-1726: true, -1700: true}

// osascript ends its error line with the numeric code in parentheses.
var trailingCode = regexp.MustCompile(`\((-?\d+)\)\s*$`)

type envelope struct {
	OK         *bool                    `json:"ok"`
	Data       json.RawMessage          `json:"data"`
	Error      *declaredError           `json:"error"`
	Escalation *engine.EscalationReport `json:"escalation"`
}

type declaredError struct {
	Message string `json:"message"`
	Name    string `json:"name"`
	Number  *int   `json:"number"`
}

// Parser classifies bridge output into typed results.
type Parser struct{}

// NewParser creates a parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse classifies an execution result.
//
// A non-zero exit is a syntax failure, a type mismatch or a runtime failure
// depending on the markers in its output. A zero exit must carry exactly one
// JSON envelope; anything else is malformed output.
func (p *Parser) Parse(res *engine.ExecutionResult) *engine.TypedResult {
	if res == nil {
		return engine.NewBridgeFailure(engine.FailureMalformedOutput, "no execution result")
	}

	if res.ExitCode != 0 {
		text := res.Stderr + "\n" + res.Stdout
		msg := summary(res)
		switch {
		case containsAny(text, syntaxMarkers):
			return engine.NewBridgeFailure(engine.FailureSyntax, msg)
		case containsAny(text, comparisonMarkers):
			return engine.NewApplicationError(engine.AppErrorTypeMismatch, msg, errorCode(res.Stderr))
		default:
			return engine.NewBridgeFailure(engine.FailureRuntime,
				"exit status "+strconv.Itoa(res.ExitCode)+": "+msg)
		}
	}

	env, err := decodeEnvelope(res.Stdout)
	if err != nil {
		return engine.NewBridgeFailure(engine.FailureMalformedOutput, err.Error())
	}

	if *env.OK {
		payload := env.Data
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		return engine.NewSuccess(payload)
	}

	code := 0
	if env.Error.Number != nil {
		code = *env.Error.Number
	}
	message := env.Error.Message
	if env.Error.Name != "" && !strings.HasPrefix(message, env.Error.Name) {
		message = env.Error.Name + ": " + message
	}
	if comparisonCodes[code] || containsAny(message, comparisonMarkers) {
		return engine.NewApplicationError(engine.AppErrorTypeMismatch, message, code)
	}
	return engine.NewApplicationError(engine.AppErrorDeclared, message, code)
}

// ParseEscalation returns the escalation report carried by a successful run,
// or nil if the script did not produce one.
func (p *Parser) ParseEscalation(res *engine.ExecutionResult) *engine.EscalationReport {
	if res == nil || res.ExitCode != 0 {
		return nil
	}
	env, err := decodeEnvelope(res.Stdout)
	if err != nil {
		return nil
	}
	return env.Escalation
}

func decodeEnvelope(stdout string) (*envelope, error) {
	text := strings.TrimSpace(stdout)
	if text == "" {
		return nil, errors.New("empty output")
	}
	// Some bridge versions print a returned string in quoted form.
	if strings.HasPrefix(text, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(text), &inner); err == nil {
			text = strings.TrimSpace(inner)
		}
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, errors.New("output is not a JSON envelope: " + err.Error())
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after envelope")
	}
	if env.OK == nil {
		return nil, errors.New(`envelope has no "ok" field`)
	}
	if !*env.OK && env.Error == nil {
		return nil, errors.New(`failed envelope has no "error" field`)
	}
	return &env, nil
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func errorCode(stderr string) int {
	m := trailingCode.FindStringSubmatch(strings.TrimSpace(stderr))
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

func summary(res *engine.ExecutionResult) string {
	s := strings.TrimSpace(res.Stderr)
	if s == "" {
		s = strings.TrimSpace(res.Stdout)
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const limit = 512
	if len(s) > limit {
		s = s[:limit]
	}
	if s == "" {
		s = "no output"
	}
	return s
}
