package envelope

// Event is a one-way push payload: {namespace, type, ...fields}.
type Event map[string]any

// NewEvent builds an event; fields may not override namespace or type.
func NewEvent(namespace, typ string, fields map[string]any) Event {
	ev := make(Event, len(fields)+2)
	for k, v := range fields {
		ev[k] = v
	}
	ev["namespace"] = namespace
	ev["type"] = typ
	return ev
}

func (e Event) Namespace() string {
	s, _ := e["namespace"].(string)
	return s
}

func (e Event) Type() string {
	s, _ := e["type"].(string)
	return s
}
