package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"
)

type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

type OutputOptions struct {
	Format    OutputFormat
	Quiet     bool
	Writer    io.Writer
	ErrWriter io.Writer
}

func NewOutputOptions() *OutputOptions {
	return &OutputOptions{
		Format:    OutputTable,
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
	}
}

func FormatOutput(data any, format OutputFormat) (string, error) {
	switch format {
	case OutputJSON:
		return formatJSON(data)
	case OutputYAML:
		return formatYAML(data)
	default:
		return formatTable(data)
	}
}

func formatJSON(data any) (string, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal JSON: %w", err)
	}
	return string(b) + "\n", nil
}

// formatYAML goes through JSON first so yaml output uses the same field names
// and omits the same empty fields as json output.
func formatYAML(data any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal YAML: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("marshal YAML: %w", err)
	}
	b, err := yaml.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("marshal YAML: %w", err)
	}
	return string(b), nil
}

func formatTable(data any) (string, error) {
	if data == nil {
		return "", nil
	}

	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return "", nil
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		return formatSliceTable(v)
	case reflect.Map:
		return formatMapTable(v)
	case reflect.Struct:
		return formatStructTable(v)
	default:
		return fmt.Sprintf("%v\n", v.Interface()), nil
	}
}

func formatSliceTable(v reflect.Value) (string, error) {
	if v.Len() == 0 {
		return "No items\n", nil
	}

	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)

	headers := columns(v.Index(0))
	fmt.Fprintln(w, strings.ToUpper(strings.Join(headers, "\t")))

	for i := 0; i < v.Len(); i++ {
		fmt.Fprintln(w, strings.Join(rowValues(v.Index(i), headers), "\t"))
	}

	w.Flush()
	return sb.String(), nil
}

// formatMapTable prints one key per line, keys sorted.
func formatMapTable(v reflect.Value) (string, error) {
	keys := make([]string, 0, v.Len())
	values := make(map[string]any, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k := fmt.Sprintf("%v", iter.Key())
		keys = append(keys, k)
		values[k] = iter.Value().Interface()
	}
	slices.Sort(keys)

	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\n", k, formatValue(values[k]))
	}
	w.Flush()
	return sb.String(), nil
}

func formatStructTable(v reflect.Value) (string, error) {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)

	headers := columns(v)
	values := rowValues(v, headers)
	for i, h := range headers {
		if values[i] == "" {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\n", h, values[i])
	}

	w.Flush()
	return sb.String(), nil
}

func fieldName(f reflect.StructField) string {
	name := f.Tag.Get("json")
	if idx := strings.Index(name, ","); idx != -1 {
		name = name[:idx]
	}
	if name == "" {
		return f.Name
	}
	return name
}

func indirect(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return v
		}
		v = v.Elem()
	}
	return v
}

// columns lists the exported, non-skipped fields of a struct value; anything
// else is a single "value" column.
func columns(v reflect.Value) []string {
	v = indirect(v)
	if v.Kind() != reflect.Struct {
		return []string{"value"}
	}

	t := v.Type()
	var fields []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" || f.Tag.Get("json") == "-" {
			continue
		}
		fields = append(fields, fieldName(f))
	}
	return fields
}

func rowValues(v reflect.Value, fields []string) []string {
	v = indirect(v)
	values := make([]string, len(fields))

	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		index := make(map[string]int, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			index[fieldName(t.Field(i))] = i
		}
		for i, field := range fields {
			if idx, ok := index[field]; ok {
				values[i] = formatValue(v.Field(idx).Interface())
			}
		}
	case reflect.Map:
		for i, field := range fields {
			if fv := v.MapIndex(reflect.ValueOf(field)); fv.IsValid() {
				values[i] = formatValue(fv.Interface())
			}
		}
	default:
		if len(values) > 0 && v.IsValid() {
			values[0] = formatValue(v.Interface())
		}
	}
	return values
}

func formatValue(v any) string {
	if v == nil {
		return ""
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return ""
		}
		v = rv.Elem().Interface()
	}

	switch val := v.(type) {
	case string:
		return val
	case time.Time:
		if val.IsZero() {
			return ""
		}
		return val.Format(time.RFC3339)
	case time.Duration:
		return val.String()
	case fmt.Stringer:
		return val.String()
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case float32, float64:
		return fmt.Sprintf("%.2f", val)
	case bool:
		return fmt.Sprintf("%t", val)
	case []string:
		return strings.Join(val, ",")
	default:
		if k := reflect.ValueOf(val).Kind(); k == reflect.String {
			return reflect.ValueOf(val).String()
		}
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func PrintOutput(data any, opts *OutputOptions) error {
	if opts.Quiet {
		return nil
	}

	output, err := FormatOutput(data, opts.Format)
	if err != nil {
		return err
	}

	fmt.Fprint(opts.Writer, output)
	return nil
}

func printEnvelope(w io.Writer, format OutputFormat, data map[string]any) {
	var out string
	if format == OutputYAML {
		out, _ = formatYAML(data)
	} else {
		out, _ = formatJSON(data)
	}
	fmt.Fprint(w, out)
}

func PrintError(err error, opts *OutputOptions) {
	w := opts.ErrWriter
	if w == nil {
		w = os.Stderr
	}
	switch opts.Format {
	case OutputJSON, OutputYAML:
		printEnvelope(w, opts.Format, map[string]any{
			"success": false,
			"error":   map[string]string{"message": err.Error()},
		})
	default:
		fmt.Fprintf(w, "Error: %v\n", err)
	}
}

func PrintSuccess(message string, opts *OutputOptions) {
	if opts.Quiet {
		return
	}
	switch opts.Format {
	case OutputJSON, OutputYAML:
		printEnvelope(opts.Writer, opts.Format, map[string]any{
			"success": true,
			"message": message,
		})
	default:
		fmt.Fprintln(opts.Writer, message)
	}
}
