package logger

import (
	"net/http"
	"net/url"
	"reflect"
	"strings"
)

const (
	// DefaultMaskValue replaces sensitive values in log output
	DefaultMaskValue = "***"
	// DefaultMaxDepth bounds recursion when filtering nested values
	DefaultMaxDepth = 8
)

// FilterConfig defines which field names are considered sensitive
type FilterConfig struct {
	// SensitiveFields contains case-insensitive substrings of field names to mask
	SensitiveFields []string
	// MaskValue is the replacement for masked values (default: "***")
	MaskValue string
}

// DefaultFilterConfig masks credentials and bearer material. Matching is by
// substring, so "refreshToken" and "Authorization" are both covered.
func DefaultFilterConfig() *FilterConfig {
	return &FilterConfig{
		SensitiveFields: []string{
			"password", "passwd", "pwd",
			"secret", "api_key", "apikey",
			"token", "authorization", "cookie",
			"credential",
		},
		MaskValue: DefaultMaskValue,
	}
}

// SensitiveDataFilter masks sensitive values before they reach the log writer
type SensitiveDataFilter struct {
	fields []string
	mask   string
}

// NewSensitiveDataFilter creates a filter; a nil config selects DefaultFilterConfig
func NewSensitiveDataFilter(config *FilterConfig) *SensitiveDataFilter {
	if config == nil {
		config = DefaultFilterConfig()
	}
	mask := config.MaskValue
	if mask == "" {
		mask = DefaultMaskValue
	}
	fields := make([]string, 0, len(config.SensitiveFields))
	for _, f := range config.SensitiveFields {
		fields = append(fields, strings.ToLower(f))
	}
	return &SensitiveDataFilter{fields: fields, mask: mask}
}

// FilterString masks value when key is sensitive. URLs keep their structure and
// only lose the password part of the user info.
func (f *SensitiveDataFilter) FilterString(key, value string) string {
	if value == "" {
		return value
	}
	if f.isSensitive(key) {
		return f.mask
	}
	if strings.Contains(value, "://") {
		return f.maskURL(value)
	}
	return value
}

// FilterValue masks sensitive entries inside maps, headers, slices and structs.
func (f *SensitiveDataFilter) FilterValue(key string, value any) any {
	return f.filter(key, value, DefaultMaxDepth)
}

// FilterFields filters every entry of a field map
func (f *SensitiveDataFilter) FilterFields(fields map[string]any) map[string]any {
	filtered := make(map[string]any, len(fields))
	for k, v := range fields {
		filtered[k] = f.FilterValue(k, v)
	}
	return filtered
}

func (f *SensitiveDataFilter) filter(key string, value any, depth int) any {
	if f.isSensitive(key) {
		return f.mask
	}
	if value == nil || depth <= 0 {
		return value
	}

	switch v := value.(type) {
	case string:
		return f.FilterString(key, v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = f.filter(k, item, depth-1)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = f.filter(k, item, depth-1)
		}
		return out
	case http.Header:
		out := make(map[string]any, len(v))
		for k, items := range v {
			out[k] = f.filter(k, strings.Join(items, ","), depth-1)
		}
		return out
	}

	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return value
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Struct:
		return f.filterStruct(rv, depth)
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return value
		}
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			out[i] = f.filter(key, rv.Index(i).Interface(), depth-1)
		}
		return out
	default:
		return value
	}
}

// filterStruct renders exported fields into a map keyed by their json name
func (f *SensitiveDataFilter) filterStruct(rv reflect.Value, depth int) map[string]any {
	rt := rv.Type()
	out := make(map[string]any, rt.NumField())
	for i := range rt.NumField() {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name := jsonFieldName(&field)
		if name == "" {
			continue
		}
		out[name] = f.filter(name, rv.Field(i).Interface(), depth-1)
	}
	return out
}

func jsonFieldName(field *reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return field.Name
	}
	return name
}

func (f *SensitiveDataFilter) isSensitive(key string) bool {
	if key == "" {
		return false
	}
	lower := strings.ToLower(key)
	for _, s := range f.fields {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func (f *SensitiveDataFilter) maskURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.User == nil {
		return raw
	}
	if _, ok := parsed.User.Password(); !ok {
		return raw
	}
	parsed.User = url.UserPassword(parsed.User.Username(), f.mask)
	// url.String escapes the mask; keep it readable
	return strings.Replace(parsed.String(), url.QueryEscape(f.mask), f.mask, 1)
}
