package api

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// OutputFormat defines the output format for CLI commands.
type OutputFormat string

const (
	OutputFormatYAML OutputFormat = "yaml"
	OutputFormatJSON OutputFormat = "json"
)

// DefaultOutput is the default output format.
var DefaultOutput OutputFormat = OutputFormatYAML

// globalOutputFormat is set by the root command's --output flag.
var globalOutputFormat OutputFormat = OutputFormatYAML

// SetOutputFormat sets the global output format.
func SetOutputFormat(format string) {
	switch format {
	case "json":
		globalOutputFormat = OutputFormatJSON
	case "yaml":
		globalOutputFormat = OutputFormatYAML
	default:
		globalOutputFormat = DefaultOutput
	}
}

// GetOutputFormat returns the current global output format.
func GetOutputFormat() OutputFormat {
	return globalOutputFormat
}

// Output writes data to stdout in the configured format.
func Output(data any) error {
	return OutputTo(os.Stdout, globalOutputFormat, data)
}

// OutputAs writes data to stdout in the specified format.
func OutputAs(format OutputFormat, data any) error {
	return OutputTo(os.Stdout, format, data)
}

// OutputTo writes data to the given writer in the specified format.
//
// YAML output is derived from the JSON encoding, so json tags and embedded
// raw JSON (stage results) render the same way in both formats.
func OutputTo(w io.Writer, format OutputFormat, data any) error {
	switch format {
	case OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case OutputFormatYAML:
		node, err := yamlNode(data)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(node)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

// yamlNode converts data to a YAML tree through its JSON form, keeping key
// order and dropping the JSON flow and quoting styles.
func yamlNode(data any) (*yaml.Node, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode output: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to convert output: %w", err)
	}
	blockStyle(&doc)
	return &doc, nil
}

func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

// IsStructuredOutput returns true if the output format is structured (JSON/YAML).
// This can be used by commands that want to provide human-friendly messages
// only when not in structured output mode.
func IsStructuredOutput() bool {
	return globalOutputFormat == OutputFormatJSON || globalOutputFormat == OutputFormatYAML
}
