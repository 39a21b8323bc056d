package validator

import (
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/syssam/objectql/internal/oqerr"
	"github.com/syssam/objectql/schema"
)

// checkField enforces the implicit rules derived from one field
// definition: required, bounds, lengths, pattern, format, options and
// reference shape.
func (v *Validator) checkField(res *Result, name string, f *schema.Field, vc *Context) {
	value, present := vc.Record[name]

	if f.Required && (!present || isEmpty(value)) {
		// Updates only re-check required fields they touch.
		if vc.Operation == schema.OpCreate || present {
			res.add(fieldIssue(name, "", fmt.Sprintf("field %q is required", name)))
		}
		return
	}
	if !present || value == nil {
		return
	}

	if f.Multiple {
		items, ok := value.([]any)
		if !ok {
			res.add(fieldIssue(name, "", fmt.Sprintf("field %q takes a list of values", name)))
			return
		}
		for _, item := range items {
			v.checkValue(res, name, f, item)
		}
		return
	}
	v.checkValue(res, name, f, value)
}

func (v *Validator) checkValue(res *Result, name string, f *schema.Field, value any) {
	switch {
	case f.Type.Numeric():
		num, ok := toFloat(value)
		if !ok {
			res.add(fieldIssue(name, "", fmt.Sprintf("field %q takes a number", name)))
			return
		}
		if f.Min != nil && num < *f.Min {
			res.add(fieldIssue(name, "", fmt.Sprintf("field %q must be at least %v", name, *f.Min)))
		}
		if f.Max != nil && num > *f.Max {
			res.add(fieldIssue(name, "", fmt.Sprintf("field %q must be at most %v", name, *f.Max)))
		}
	case f.Type == schema.TypeBoolean:
		if _, ok := value.(bool); !ok {
			res.add(fieldIssue(name, "", fmt.Sprintf("field %q takes a boolean", name)))
		}
	case f.Type == schema.TypeSelect:
		v.checkOption(res, name, f, value)
	case f.Type == schema.TypeDate:
		v.checkTime(res, name, value, "2006-01-02")
	case f.Type == schema.TypeDatetime:
		v.checkTime(res, name, value, time.RFC3339)
	case f.Type == schema.TypeTime:
		v.checkTime(res, name, value, "15:04:05")
	case f.Type == schema.TypeFile, f.Type == schema.TypeImage:
		v.checkAttachment(res, name, f, value)
	case f.Type == schema.TypeObject:
		// Free-form JSON value; nothing to enforce.
	default:
		v.checkString(res, name, f, value)
	}
}

func (v *Validator) checkString(res *Result, name string, f *schema.Field, value any) {
	s, ok := value.(string)
	if !ok {
		res.add(fieldIssue(name, "", fmt.Sprintf("field %q takes a string", name)))
		return
	}
	if f.MinLength != nil && len([]rune(s)) < *f.MinLength {
		res.add(fieldIssue(name, "", fmt.Sprintf("field %q must be at least %d characters", name, *f.MinLength)))
	}
	if f.MaxLength != nil && len([]rune(s)) > *f.MaxLength {
		res.add(fieldIssue(name, "", fmt.Sprintf("field %q must be at most %d characters", name, *f.MaxLength)))
	}
	if f.Pattern != "" {
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			res.add(fieldIssue(name, string(oqerr.InvalidRegex),
				fmt.Sprintf("field %q has an invalid pattern: %v", name, err)))
		} else if !re.MatchString(s) {
			res.add(fieldIssue(name, "", fmt.Sprintf("field %q does not match its pattern", name)))
		}
	}

	format := f.Format
	switch f.Type {
	case schema.TypeEmail:
		format = "email"
	case schema.TypeURL:
		format = "url"
	case schema.TypePhone:
		format = "phone"
	}
	if format != "" {
		v.checkFormat(res, name, f, s, format)
	}
}

func (v *Validator) checkFormat(res *Result, name string, f *schema.Field, s, format string) {
	var tag string
	switch format {
	case "email":
		tag = "email"
	case "url":
		tag = "url"
	case "uuid":
		tag = "uuid"
	case "phone":
		tag = "e164"
	case "iso8601":
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			res.add(fieldIssue(name, "", fmt.Sprintf("field %q must be an ISO-8601 timestamp", name)))
		}
		return
	default:
		res.add(fieldIssue(name, "", fmt.Sprintf("field %q names unknown format %q", name, format)))
		return
	}
	if err := v.formats.Var(s, tag); err != nil {
		res.add(fieldIssue(name, "", fmt.Sprintf("field %q is not a valid %s", name, format)))
		return
	}
	if format == "url" && len(f.Protocols) > 0 {
		u, err := url.Parse(s)
		if err != nil || !containsString(f.Protocols, u.Scheme) {
			res.add(fieldIssue(name, "",
				fmt.Sprintf("field %q must use one of the protocols %v", name, f.Protocols)))
		}
	}
}

func (v *Validator) checkOption(res *Result, name string, f *schema.Field, value any) {
	s, ok := value.(string)
	if !ok {
		res.add(fieldIssue(name, "", fmt.Sprintf("field %q takes a string option", name)))
		return
	}
	for _, opt := range f.Options {
		if opt.Value == s {
			return
		}
	}
	res.add(fieldIssue(name, "", fmt.Sprintf("field %q has no option %q", name, s)))
}

func (v *Validator) checkTime(res *Result, name string, value any, layout string) {
	s, ok := value.(string)
	if ok {
		if _, err := time.Parse(layout, s); err == nil {
			return
		}
	}
	res.add(fieldIssue(name, "", fmt.Sprintf("field %q does not match layout %q", name, layout)))
}

// checkAttachment validates the JSON metadata shape of file and image
// values; byte storage is owned elsewhere.
func (v *Validator) checkAttachment(res *Result, name string, f *schema.Field, value any) {
	doc, ok := value.(map[string]any)
	if !ok {
		res.add(fieldIssue(name, "", fmt.Sprintf("field %q takes an attachment document", name)))
		return
	}
	for _, key := range []string{"name", "url"} {
		if s, _ := doc[key].(string); s == "" {
			res.add(fieldIssue(name, "", fmt.Sprintf("attachment %q is missing %q", name, key)))
		}
	}
	size, _ := toFloat(doc["size"])
	if f.MinSize != nil && int64(size) < *f.MinSize {
		res.add(fieldIssue(name, "", fmt.Sprintf("attachment %q is below the minimum size", name)))
	}
	if f.MaxSize != nil && int64(size) > *f.MaxSize {
		res.add(fieldIssue(name, "", fmt.Sprintf("attachment %q exceeds the maximum size", name)))
	}
	if f.Type == schema.TypeImage {
		width, _ := toFloat(doc["width"])
		height, _ := toFloat(doc["height"])
		if f.MinWidth != nil && int(width) < *f.MinWidth ||
			f.MaxWidth != nil && int(width) > *f.MaxWidth ||
			f.MinHeight != nil && int(height) < *f.MinHeight ||
			f.MaxHeight != nil && int(height) > *f.MaxHeight {
			res.add(fieldIssue(name, "", fmt.Sprintf("image %q violates its dimension bounds", name)))
		}
	}
}

func fieldIssue(field, code, message string) Issue {
	return Issue{Field: field, Code: code, Message: message, Severity: schema.SeverityError}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
