// Package stream consumes the compliance service's Server-Sent Event streams.
//
// The service speaks two envelope dialects: extraction keys its events by
// "type" and ends with type "complete", the other stages key by "step" and end
// with step "result". Both are normalized here into one Message shape so
// nothing above this package sees the difference.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Kind classifies a normalized message.
type Kind string

const (
	// KindProgress is any non-terminal event.
	KindProgress Kind = "progress"
	// KindResult is the terminal success event carrying the stage result.
	KindResult Kind = "result"
	// KindError is the terminal failure event reported by the server.
	KindError Kind = "error"
)

// Dialect describes how a stream tags its events.
type Dialect struct {
	// Key is the envelope field holding the step tag.
	Key string
	// Success is the tag value of the terminal success event.
	Success string
}

var (
	// DialectType is used by the extraction stream: {"type": "status"|"complete"|"error"}.
	DialectType = Dialect{Key: "type", Success: "complete"}

	// DialectStep is used by validation, resolution and reporting: {"step": ...|"result"|"error"}.
	DialectStep = Dialect{Key: "step", Success: "result"}
)

// errorTag is the terminal failure tag in both dialects.
const errorTag = "error"

// ErrMalformedEvent wraps every decode failure.
var ErrMalformedEvent = errors.New("malformed event")

// Message is one normalized stream event.
type Message struct {
	Kind   Kind                       `json:"kind" yaml:"kind"`
	Step   string                     `json:"step" yaml:"step"`
	Text   string                     `json:"message,omitempty" yaml:"message,omitempty"`
	Result json.RawMessage            `json:"result,omitempty" yaml:"-"`
	Fields map[string]json.RawMessage `json:"fields,omitempty" yaml:"-"`
}

// Terminal reports whether no further events should follow this one.
func (m Message) Terminal() bool {
	return m.Kind == KindResult || m.Kind == KindError
}

// schemas caches the compiled envelope schema per dialect key.
var schemas sync.Map // map[string]*jsonschema.Schema

func envelopeSchema(d Dialect) (*jsonschema.Schema, error) {
	if s, ok := schemas.Load(d.Key); ok {
		return s.(*jsonschema.Schema), nil
	}

	doc := fmt.Sprintf(`{
  "type": "object",
  "required": [%q],
  "properties": {
    %q: {"type": "string", "minLength": 1}
  }
}`, d.Key, d.Key)

	url := "envelope-" + d.Key + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("failed to load envelope schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile envelope schema: %w", err)
	}

	actual, _ := schemas.LoadOrStore(d.Key, schema)
	return actual.(*jsonschema.Schema), nil
}

// Decode parses one event payload in the given dialect.
// The returned error wraps ErrMalformedEvent when the payload is not a valid
// envelope; callers are expected to log and skip such events.
func Decode(d Dialect, data []byte) (Message, error) {
	schema, err := envelopeSchema(d)
	if err != nil {
		return Message{}, err
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := schema.Validate(doc); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var msg Message
	_ = json.Unmarshal(fields[d.Key], &msg.Step)
	delete(fields, d.Key)

	if raw, ok := fields["message"]; ok {
		if json.Unmarshal(raw, &msg.Text) == nil {
			delete(fields, "message")
		}
	}

	switch msg.Step {
	case d.Success:
		msg.Kind = KindResult
		msg.Result = fields["result"]
		delete(fields, "result")
	case errorTag:
		msg.Kind = KindError
	default:
		msg.Kind = KindProgress
	}

	if len(fields) > 0 {
		msg.Fields = fields
	}
	return msg, nil
}
