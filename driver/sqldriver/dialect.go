package sqldriver

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/syssam/objectql/internal/oqerr"
)

// dialect abstracts the SQL flavor differences: the database/sql driver
// to open, how JSON document fields are addressed in expressions, and
// the document table DDL.
type dialect struct {
	// name is the configuration value; driverName the database/sql
	// registration to open.
	name       string
	driverName string

	// fieldExpr returns the SQL expression reading a document field.
	// numeric asks for a form usable in numeric comparison.
	fieldExpr func(field string, numeric bool) string

	// regexpOp is the regular-expression match operator, empty when the
	// flavor has none.
	regexpOp string

	createTable string
}

var dialects = map[string]dialect{
	"sqlite": {
		name:       "sqlite",
		driverName: "sqlite",
		fieldExpr: func(field string, _ bool) string {
			return fmt.Sprintf("json_extract(doc, '$.%s')", field)
		},
		createTable: `CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, doc TEXT NOT NULL)`,
	},
	"mysql": {
		name:       "mysql",
		driverName: "mysql",
		fieldExpr: func(field string, numeric bool) string {
			if numeric {
				return fmt.Sprintf("JSON_EXTRACT(doc, '$.%s')", field)
			}
			return fmt.Sprintf("JSON_UNQUOTE(JSON_EXTRACT(doc, '$.%s'))", field)
		},
		regexpOp:    "REGEXP",
		createTable: "CREATE TABLE IF NOT EXISTS %s (id VARCHAR(64) PRIMARY KEY, doc JSON NOT NULL)",
	},
	"postgres": {
		name:       "postgres",
		driverName: "postgres",
		fieldExpr: func(field string, numeric bool) string {
			if numeric {
				return fmt.Sprintf("(doc->>'%s')::numeric", field)
			}
			return fmt.Sprintf("doc->>'%s'", field)
		},
		regexpOp:    "~",
		createTable: `CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, doc JSONB NOT NULL)`,
	},
}

func dialectFor(name string) (dialect, error) {
	if d, ok := dialects[name]; ok {
		return d, nil
	}
	return dialect{}, oqerr.Newf(oqerr.DriverConnection, "unknown sql dialect %q", name)
}

// identRe bounds table and field names. Fully-qualified object names
// and field names both fit; anything else is rejected before it can
// reach a statement.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdent(name string) error {
	if !identRe.MatchString(name) {
		return oqerr.Newf(oqerr.DriverQuery, "invalid identifier %q", name)
	}
	return nil
}

func (d dialect) quote(table string) string {
	if d.name == "mysql" {
		return "`" + table + "`"
	}
	return `"` + table + `"`
}

// field returns the expression reading one field, routing the id to its
// dedicated column.
func (d dialect) field(name string, numeric bool) (string, error) {
	if err := validIdent(name); err != nil {
		return "", err
	}
	if name == "_id" {
		return "id", nil
	}
	return d.fieldExpr(name, numeric), nil
}

// escapeLike escapes the LIKE metacharacters of v for use with
// ESCAPE '\'.
func escapeLike(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "%", `\%`)
	return strings.ReplaceAll(v, "_", `\_`)
}
