package mbtiles

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedSchema is the sentinel behind every UnsupportedSchemaError so
// callers can test with errors.Is without caring about the table list.
var ErrUnsupportedSchema = errors.New("mbtiles: schema not supported")

// ErrClosed is returned by container operations after Close.
var ErrClosed = errors.New("mbtiles: container closed")

// UnsupportedSchemaError reports a container whose catalog matches none of the
// classic or normalized layouts. It is fatal at open time.
type UnsupportedSchemaError struct {
	Path   string
	Tables []string
}

func (e *UnsupportedSchemaError) Error() string {
	return fmt.Sprintf("mbtiles: schema not supported in %s: tables=[%s]", e.Path, strings.Join(e.Tables, ", "))
}

// Unwrap lets errors.Is match ErrUnsupportedSchema.
func (e *UnsupportedSchemaError) Unwrap() error { return ErrUnsupportedSchema }
