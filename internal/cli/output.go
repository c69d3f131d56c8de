// Package cli renders command results for arc-sign in text, JSON or YAML.
package cli

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Format represents an output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat parses a format string, defaulting to text.
func ParseFormat(s string) Format {
	switch s {
	case "json":
		return FormatJSON
	case "yaml", "yml":
		return FormatYAML
	default:
		return FormatText
	}
}

// Meta describes a rendered result in the structured formats.
type Meta struct {
	Type      string    `json:"type" yaml:"type"`
	Generated time.Time `json:"generated" yaml:"generated"`
}

// NewMeta creates metadata with the given type and current timestamp.
func NewMeta(resultType string) Meta {
	return Meta{Type: resultType, Generated: time.Now().UTC()}
}

// Renderable can render itself as text and as structured data.
type Renderable interface {
	Meta() Meta
	RenderText(w io.Writer) error
	Data() any
}

// Output renders results in one format.
type Output struct {
	format Format
	w      io.Writer
}

// NewOutput creates an output renderer for the given format.
func NewOutput(format Format, w io.Writer) *Output {
	return &Output{format: format, w: w}
}

// BindOutputFlag adds -o/--output to cmd and binds it to the "output" key.
func BindOutputFlag(cmd *cobra.Command, v *viper.Viper) {
	cmd.Flags().StringP("output", "o", string(FormatText), "output format (text, json, yaml)")
	_ = v.BindPFlag("output", cmd.Flags().Lookup("output"))
}

// NewOutputFromViper creates a stdout renderer for the bound output flag.
func NewOutputFromViper(v *viper.Viper) *Output {
	return NewOutput(ParseFormat(v.GetString("output")), os.Stdout)
}

// Format returns the configured output format.
func (o *Output) Format() Format {
	return o.format
}

// Table creates a table renderer attached to this output.
func (o *Output) Table(resultType string, headers ...string) *Table {
	return &Table{out: o, meta: NewMeta(resultType), headers: headers}
}

// KV creates a key-value renderer attached to this output.
func (o *Output) KV(resultType string) *KV {
	return &KV{out: o, meta: NewMeta(resultType)}
}

// Result creates a message renderer attached to this output.
func (o *Output) Result(resultType, message string) *Result {
	return &Result{out: o, meta: NewMeta(resultType), message: message}
}

// Render outputs r in the configured format. The structured formats wrap
// the data in a {meta, data} envelope.
func (o *Output) Render(r Renderable) error {
	envelope := struct {
		Meta Meta `json:"meta" yaml:"meta"`
		Data any  `json:"data" yaml:"data"`
	}{Meta: r.Meta(), Data: r.Data()}

	switch o.format {
	case FormatJSON:
		enc := json.NewEncoder(o.w)
		enc.SetIndent("", "  ")
		return enc.Encode(envelope)
	case FormatYAML:
		enc := yaml.NewEncoder(o.w)
		enc.SetIndent(2)
		if err := enc.Encode(envelope); err != nil {
			return err
		}
		return enc.Close()
	default:
		return r.RenderText(o.w)
	}
}
