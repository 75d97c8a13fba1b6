package outbox

import (
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
)

func TableLabel(table pgx.Identifier) string {
	if len(table) == 0 {
		return ""
	}
	return strings.Join(table, ".")
}

// TypeName returns the stored type name for an event.
func TypeName(event any) string {
	if n, ok := event.(Named); ok {
		return n.EventName()
	}
	t := reflect.TypeOf(event)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}
