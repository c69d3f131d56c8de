package cli

import (
	"fmt"
	"io"
)

// Result is a single message with optional details, printed in the order
// they were added.
type Result struct {
	out     *Output
	meta    Meta
	message string
	details []kvPair
}

// With adds a detail key-value pair.
func (r *Result) With(key string, value any) *Result {
	r.details = append(r.details, kvPair{key: key, value: value})
	return r
}

func (r *Result) Render() error { return r.out.Render(r) }
func (r *Result) Meta() Meta    { return r.meta }

// RenderText writes the message and aligned details.
func (r *Result) RenderText(w io.Writer) error {
	if _, err := fmt.Fprintln(w, r.message); err != nil {
		return err
	}
	width := 0
	for _, d := range r.details {
		width = max(width, len(d.key))
	}
	for _, d := range r.details {
		if _, err := fmt.Fprintf(w, "  %-*s  %v\n", width+1, d.key+":", d.value); err != nil {
			return err
		}
	}
	return nil
}

// Data returns the message and details as one object.
func (r *Result) Data() any {
	data := make(map[string]any, len(r.details)+1)
	data["message"] = r.message
	for _, d := range r.details {
		data[toKey(d.key)] = d.value
	}
	return data
}
