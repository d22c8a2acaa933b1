package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/turtacn/keyagent/pkg/errors"
)

// render writes v in the selected output format. text falls back to the given printer.
func render(w io.Writer, v interface{}, text func(w io.Writer) error) error {
	switch outputFormat {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		return text(w)
	default:
		return errors.ErrInvalidRequest(fmt.Sprintf("unknown output format %q", outputFormat))
	}
}

// table returns a tabwriter for column output; callers must Flush.
func table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}
