package hookserver

import (
	"encoding/json"
	"strings"
)

// eventPayload is the recognized shape of an agent hook event. Agents
// attach arbitrary extra fields; only these matter.
type eventPayload struct {
	ProjectName string
	AgentType   string
	InstanceID  string
	Type        string
	Text        string
	TurnText    string
}

// parseEventPayload decodes an agent event leniently: agents written
// against different hook APIs nest the text fields differently, so after
// reading the top level it walks the document for the first non-empty
// text/turnText it can find.
func parseEventPayload(raw []byte) (eventPayload, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return eventPayload{}, err
	}

	p := eventPayload{
		ProjectName: str(doc["projectName"]),
		AgentType:   str(doc["agentType"]),
		InstanceID:  str(doc["instanceId"]),
		Type:        str(doc["type"]),
		Text:        str(doc["text"]),
		TurnText:    str(doc["turnText"]),
	}
	if p.Text == "" {
		p.Text = findText(doc, "text", 0)
	}
	if p.TurnText == "" {
		p.TurnText = findText(doc, "turnText", 0)
	}
	return p, nil
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// findText searches nested objects and arrays for a string field with the
// given key, bounded to ten levels.
func findText(v any, key string, depth int) string {
	if depth > 10 {
		return ""
	}
	switch t := v.(type) {
	case map[string]any:
		if s := str(t[key]); s != "" {
			return s
		}
		for _, child := range t {
			if s := findText(child, key, depth+1); s != "" {
				return s
			}
		}
	case []any:
		for _, child := range t {
			if s := findText(child, key, depth+1); s != "" {
				return s
			}
		}
	}
	return ""
}
