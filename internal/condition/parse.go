package condition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const maxDepth = 32

// envelope holds the discriminating fields of any stored node, nested or legacy.
type envelope struct {
	Type       string            `json:"type"`
	Values     []json.RawMessage `json:"values"`
	Match      string            `json:"match"`
	Conditions []json.RawMessage `json:"conditions"`
}

// Parse decodes a stored definition and normalizes it to the nested Group
// shape. The legacy flat shape {match: all|any, conditions: [...]} becomes an
// AND or OR group. A bare leaf at the root is wrapped in an AND group.
// Parse does not validate semantics; see Validate.
func Parse(data []byte) (*Group, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, fmt.Errorf("%w: empty definition", ErrInvalidDefinition)
	}
	n, err := parseNode(data, 0)
	if err != nil {
		return nil, err
	}
	if g, ok := n.(*Group); ok {
		return g, nil
	}
	return &Group{Type: And, Values: []Node{n}}, nil
}

func parseNode(data json.RawMessage, depth int) (Node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrInvalidDefinition, maxDepth)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	if env.Match != "" || env.Conditions != nil {
		return parseLegacy(env, depth)
	}

	switch GroupType(strings.ToUpper(env.Type)) {
	case And, Or:
		return parseGroup(GroupType(strings.ToUpper(env.Type)), env.Values, depth)
	}
	return parseLeaf(Kind(env.Type), data)
}

func parseLegacy(env envelope, depth int) (Node, error) {
	var t GroupType
	switch strings.ToLower(env.Match) {
	case "all", "":
		t = And
	case "any":
		t = Or
	default:
		return nil, fmt.Errorf("%w: unknown match %q", ErrInvalidDefinition, env.Match)
	}
	return parseGroup(t, env.Conditions, depth)
}

func parseGroup(t GroupType, raw []json.RawMessage, depth int) (*Group, error) {
	g := &Group{Type: t, Values: make([]Node, 0, len(raw))}
	for i, r := range raw {
		n, err := parseNode(r, depth+1)
		if err != nil {
			return nil, fmt.Errorf("values[%d]: %w", i, err)
		}
		g.Values = append(g.Values, n)
	}
	return g, nil
}

func parseLeaf(kind Kind, data json.RawMessage) (Condition, error) {
	var c Condition
	switch kind {
	case KindPersonProperty:
		c = &PersonProperty{}
	case KindEvent:
		c = &PerformedEvent{}
	case KindFirstTimeEvent:
		c = &FirstTimeEvent{}
	case KindNotPerformedEvent:
		c = &NotPerformedEvent{}
	case KindEventSequence:
		c = &EventSequence{}
	case KindNotPerformedEventSequence:
		c = &NotPerformedEventSequence{}
	case KindPerformedRegularly:
		c = &PerformedRegularly{}
	case KindStoppedPerforming:
		c = &StoppedPerforming{}
	case KindRestartedPerforming:
		c = &RestartedPerforming{}
	case KindCohort:
		c = &CohortRef{}
	case "":
		return nil, fmt.Errorf("%w: condition without type", ErrInvalidDefinition)
	default:
		return nil, fmt.Errorf("%w: unknown condition type %q", ErrInvalidDefinition, kind)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, kind, err)
	}
	return c, nil
}

// UnmarshalJSON accepts "property" as another name for "key".
func (f *PropertyFilter) UnmarshalJSON(data []byte) error {
	type plain PropertyFilter
	var aux struct {
		plain
		Property string `json:"property"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*f = PropertyFilter(aux.plain)
	if f.Key == "" {
		f.Key = aux.Property
	}
	return nil
}
