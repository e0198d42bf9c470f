package normalize

import (
	"encoding/json"
	"errors"
	"strconv"

	"gopkg.in/yaml.v3"

	"tidewater/internal/jsoncodec"
)

var errNotCollection = errors.New("not a list or map")

// parseStructured turns a serialized list or map back into data. JSON is
// tried first, then the permissive literal form ('single quotes', True,
// False, None) that some upstreams emit.
func parseStructured(s string) (any, error) {
	var v any
	if err := jsoncodec.Unmarshal([]byte(s), &v); err == nil {
		if !isCollection(v) {
			return nil, errNotCollection
		}
		return v, nil
	}
	return parseLiteral(s)
}

func parseLiteral(s string) (any, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(s), &doc); err != nil {
		return nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return nil, errNotCollection
	}
	root := doc.Content[0]
	if root.Kind != yaml.SequenceNode && root.Kind != yaml.MappingNode {
		return nil, errNotCollection
	}
	return fromNode(root)
}

func fromNode(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.AliasNode:
		return fromNode(n.Alias)
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := fromNode(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, err := fromNode(n.Content[i])
			if err != nil {
				return nil, err
			}
			v, err := fromNode(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			out[scalarKey(k)] = v
		}
		return out, nil
	case yaml.ScalarNode:
		return scalar(n), nil
	}
	return nil, errNotCollection
}

func scalar(n *yaml.Node) any {
	if n.Style != 0 {
		return n.Value
	}
	switch n.Value {
	case "None", "null", "Null", "~", "":
		return nil
	case "True", "true":
		return true
	case "False", "false":
		return false
	}
	switch n.ShortTag() {
	case "!!int":
		if i, err := strconv.ParseInt(n.Value, 10, 64); err == nil {
			return json.Number(strconv.FormatInt(i, 10))
		}
	case "!!float":
		if f, err := strconv.ParseFloat(n.Value, 64); err == nil {
			return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
		}
	}
	return n.Value
}

func scalarKey(k any) string {
	switch t := k.(type) {
	case string:
		return t
	case json.Number:
		return string(t)
	case nil:
		return "None"
	case bool:
		if t {
			return "True"
		}
		return "False"
	}
	return ""
}

func isCollection(v any) bool {
	switch v.(type) {
	case []any, map[string]any:
		return true
	}
	return false
}
