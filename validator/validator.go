// Package validator evaluates the validation rules of an object
// against a record: implicit field rules derived from field
// constraints, cross-field comparisons, and state-machine transitions.
// Results are graded by severity; only errors make a record invalid.
package validator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	playground "github.com/go-playground/validator/v10"

	"github.com/syssam/objectql/filter"
	"github.com/syssam/objectql/internal/oqerr"
	"github.com/syssam/objectql/schema"
)

// Context carries one validation run.
type Context struct {
	Record        map[string]any
	Previous      map[string]any
	Operation     schema.Operation
	ChangedFields []string
}

// Issue is one finding of a rule evaluation.
type Issue struct {
	Rule     string          `json:"rule,omitempty"`
	Field    string          `json:"field,omitempty"`
	Code     string          `json:"code,omitempty"`
	Message  string          `json:"message"`
	Severity schema.Severity `json:"severity"`
}

// Result buckets the findings of a run by severity.
type Result struct {
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
	Info     []Issue `json:"info"`
}

// Valid reports whether the run produced no errors. Warnings and info
// findings never fail a record.
func (r *Result) Valid() bool { return len(r.Errors) == 0 }

func (r *Result) add(issue Issue) {
	switch issue.Severity {
	case schema.SeverityWarning:
		r.Warnings = append(r.Warnings, issue)
	case schema.SeverityInfo:
		r.Info = append(r.Info, issue)
	default:
		issue.Severity = schema.SeverityError
		r.Errors = append(r.Errors, issue)
	}
}

// Err converts an invalid result to its typed error: the specific
// subclass code when every error finding agrees on one, otherwise
// VALIDATION_ERROR, with the findings attached as details.
func (r *Result) Err() error {
	if r.Valid() {
		return nil
	}
	code := oqerr.Validation
	uniform := r.Errors[0].Code
	for _, issue := range r.Errors {
		if issue.Code != uniform {
			uniform = ""
			break
		}
	}
	switch oqerr.Code(uniform) {
	case oqerr.InvalidRegex, oqerr.InvalidTransition, oqerr.InvalidDateRange:
		code = oqerr.Code(uniform)
	}
	e := oqerr.New(code, r.Errors[0].Message)
	return e.WithDetail("errors", r.Errors)
}

// Validator evaluates rule sets. Format checks delegate to
// go-playground/validator; the instance is safe for concurrent use.
type Validator struct {
	formats *playground.Validate
}

// New returns a ready Validator.
func New() *Validator {
	return &Validator{formats: playground.New()}
}

// Validate runs the object's rule set, implicit field rules first,
// then the declared rules, honoring trigger and changed-field gating.
func (v *Validator) Validate(obj *schema.Object, vc *Context) *Result {
	res := &Result{}
	if vc.Operation != schema.OpDelete {
		for _, name := range sortedFieldNames(obj) {
			if vc.Operation == schema.OpUpdate && !changed(vc.ChangedFields, name) {
				continue
			}
			v.checkField(res, name, obj.Fields[name], vc)
		}
	}
	for _, rule := range obj.Validations {
		v.checkRule(res, rule, vc)
	}
	return res
}

// ValidateParams checks an action input against its field-like param
// descriptors, reusing the field checks.
func (v *Validator) ValidateParams(params map[string]*schema.Field, input map[string]any) *Result {
	res := &Result{}
	vc := &Context{Record: input, Operation: schema.OpCreate}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v.checkField(res, name, params[name], vc)
	}
	return res
}

func (v *Validator) checkRule(res *Result, rule *schema.Rule, vc *Context) {
	if !rule.AppliesTo(vc.Operation) {
		return
	}
	if vc.Operation == schema.OpUpdate && !rule.WatchesAny(vc.ChangedFields) {
		return
	}
	switch rule.Kind {
	case schema.RuleField:
		// Declared field rules restate the field constraints; the
		// implicit pass in Validate covers them, so only the explicit
		// required flag is re-checked here.
		if value, ok := vc.Record[rule.Field]; ok && isEmpty(value) {
			res.add(v.issue(rule, vc, fmt.Sprintf("field %q must not be empty", rule.Field)))
		}
	case schema.RuleCrossField:
		v.checkCrossField(res, rule, vc)
	case schema.RuleStateMachine:
		v.checkStateMachine(res, rule, vc)
	}
}

func (v *Validator) checkCrossField(res *Result, rule *schema.Rule, vc *Context) {
	left := vc.Record[rule.Field]
	var right any
	if rule.CompareTo != "" {
		right = vc.Record[rule.CompareTo]
	} else {
		right = rule.Value
	}
	op, ok := crossFieldOps[rule.Operator]
	if !ok {
		res.add(v.issue(rule, vc, fmt.Sprintf("unknown cross-field operator %q", rule.Operator)))
		return
	}
	pass, err := filter.Compare(op, left, right)
	if err != nil {
		res.add(v.issue(rule, vc, err.Error()))
		return
	}
	if pass {
		return
	}
	issue := v.issue(rule, vc, fmt.Sprintf("field %q must be %s %v", rule.Field, rule.Operator, right))
	if issue.Code == "" && isDate(left) && isDate(right) {
		issue.Code = string(oqerr.InvalidDateRange)
	}
	res.add(issue)
}

var crossFieldOps = map[string]filter.Op{
	"=":        filter.OpEQ,
	"!=":       filter.OpNE,
	"<":        filter.OpLT,
	"<=":       filter.OpLTE,
	">":        filter.OpGT,
	">=":       filter.OpGTE,
	"in":       filter.OpIn,
	"not in":   filter.OpNotIn,
	"contains": filter.OpContains,
}

func (v *Validator) checkStateMachine(res *Result, rule *schema.Rule, vc *Context) {
	newState, _ := vc.Record[rule.Field].(string)
	if vc.Previous == nil {
		// Creation chooses the initial state freely.
		return
	}
	oldState, _ := vc.Previous[rule.Field].(string)
	if oldState == newState {
		return
	}
	fail := func() {
		message := rule.Message
		if message == "" {
			message = fmt.Sprintf("invalid transition of %q from {{old_status}} to {{new_status}}", rule.Field)
		}
		issue := v.issue(rule, vc, message)
		issue.Message = strings.ReplaceAll(issue.Message, "{{old_status}}", oldState)
		issue.Message = strings.ReplaceAll(issue.Message, "{{new_status}}", newState)
		if issue.Code == "" {
			issue.Code = string(oqerr.InvalidTransition)
		}
		res.add(issue)
	}
	transition, ok := rule.Transitions[oldState]
	if !ok || transition.IsTerminal {
		fail()
		return
	}
	for _, next := range transition.AllowedNext {
		if next == newState {
			return
		}
	}
	fail()
}

func (v *Validator) issue(rule *schema.Rule, vc *Context, fallback string) Issue {
	message := rule.Message
	if message == "" {
		message = fallback
	}
	return Issue{
		Rule:     rule.Name,
		Field:    rule.Field,
		Code:     rule.ErrorCode,
		Message:  template(message, vc.Record),
		Severity: rule.EffectiveSeverity(),
	}
}

// template substitutes {{field}} placeholders from the record.
// {{old_status}} and {{new_status}} are handled by the state-machine
// check before the record pass.
var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

func template(message string, record map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(message, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if name == "old_status" || name == "new_status" {
			return m
		}
		if value, ok := record[name]; ok {
			return fmt.Sprintf("%v", value)
		}
		return m
	})
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	}
	return false
}

func isDate(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	if _, err := time.Parse(time.RFC3339, s); err == nil {
		return true
	}
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

func changed(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}

func sortedFieldNames(obj *schema.Object) []string {
	names := make([]string, 0, len(obj.Fields))
	for name := range obj.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
