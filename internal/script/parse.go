package script

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidDocument is returned when script content cannot be parsed.
var ErrInvalidDocument = errors.New("script: invalid document")

type rawDocument struct {
	Variables map[string]any    `json:"variables"`
	Steps     []json.RawMessage `json:"steps"`
}

type rawNode struct {
	Type          string            `json:"type"`
	Description   string            `json:"description"`
	Action        string            `json:"action"`
	Params        map[string]any    `json:"params"`
	OnFailure     json.RawMessage   `json:"on_failure"`
	Validate      *rawValidation    `json:"validate"`
	LoopType      string            `json:"loop_type"`
	Count         int               `json:"count"`
	Steps         []json.RawMessage `json:"steps"`
	ConditionType string            `json:"condition_type"`
	IfTrue        []json.RawMessage `json:"if_true"`
	IfFalse       []json.RawMessage `json:"if_false"`
}

type rawValidation struct {
	Type      string   `json:"type"`
	Target    any      `json:"target"`
	Timeout   *float64 `json:"timeout"`
	OnFailure string   `json:"on_failure"`
}

type rawRetry struct {
	Retry *struct {
		Count int     `json:"count"`
		Delay float64 `json:"delay"`
	} `json:"retry"`
}

// Parse decodes script content into a Document.
func Parse(data []byte) (*Document, error) {
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	steps, err := parseNodes(raw.Steps, "steps")
	if err != nil {
		return nil, err
	}

	vars := raw.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	return &Document{Variables: vars, Steps: steps}, nil
}

// ParseNode decodes a single node.
func ParseNode(data []byte) (Node, error) {
	return parseNode(data, "node")
}

func parseNodes(items []json.RawMessage, path string) ([]Node, error) {
	nodes := make([]Node, 0, len(items))
	for i, item := range items {
		n, err := parseNode(item, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func parseNode(data []byte, path string) (Node, error) {
	var raw rawNode
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDocument, path, err)
	}

	switch raw.Type {
	case KindAction:
		policy, err := parseFailurePolicy(raw.OnFailure)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.on_failure: %v", ErrInvalidDocument, path, err)
		}
		params := raw.Params
		if params == nil {
			params = map[string]any{}
		}
		return &Action{
			Description: raw.Description,
			Action:      raw.Action,
			Params:      params,
			OnFailure:   policy,
			Validate:    parseValidation(raw.Validate),
		}, nil

	case KindLoop:
		steps, err := parseNodes(raw.Steps, path+".steps")
		if err != nil {
			return nil, err
		}
		return &Loop{
			Description: raw.Description,
			LoopType:    raw.LoopType,
			Count:       raw.Count,
			Steps:       steps,
		}, nil

	case KindCondition:
		ifTrue, err := parseNodes(raw.IfTrue, path+".if_true")
		if err != nil {
			return nil, err
		}
		ifFalse, err := parseNodes(raw.IfFalse, path+".if_false")
		if err != nil {
			return nil, err
		}
		params := raw.Params
		if params == nil {
			params = map[string]any{}
		}
		return &Condition{
			Description:   raw.Description,
			ConditionType: raw.ConditionType,
			Params:        params,
			IfTrue:        ifTrue,
			IfFalse:       ifFalse,
		}, nil

	default:
		return &Unknown{Description: raw.Description, Type: raw.Type}, nil
	}
}

// parseFailurePolicy accepts a mode string or {"retry":{"count":N,"delay":S}}.
// Absent means abort.
func parseFailurePolicy(data json.RawMessage) (FailurePolicy, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return FailurePolicy{Mode: FailAbort}, nil
	}

	if data[0] == '"' {
		var mode string
		if err := json.Unmarshal(data, &mode); err != nil {
			return FailurePolicy{}, err
		}
		if mode == "" {
			mode = FailAbort
		}
		return FailurePolicy{Mode: mode}, nil
	}

	var r rawRetry
	if err := json.Unmarshal(data, &r); err != nil {
		return FailurePolicy{}, err
	}
	if r.Retry == nil {
		// a structured policy without a retry clause behaves like abort
		return FailurePolicy{Mode: FailAbort}, nil
	}
	return FailurePolicy{
		Mode:  FailAbort,
		Retry: &RetryPolicy{Count: r.Retry.Count, Delay: r.Retry.Delay},
	}, nil
}

func parseValidation(raw *rawValidation) *Validation {
	if raw == nil {
		return nil
	}
	v := &Validation{
		Type:      raw.Type,
		Target:    raw.Target,
		Timeout:   DefaultValidateTimeout,
		OnFailure: raw.OnFailure,
	}
	if raw.Timeout != nil {
		v.Timeout = *raw.Timeout
	}
	if v.OnFailure == "" {
		v.OnFailure = FailAbort
	}
	return v
}
