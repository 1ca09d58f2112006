// Package unit analyses source files under the source root and turns each one
// into at most one routable unit descriptor.
package unit

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Kind classifies a unit.
type Kind string

const (
	// KindHandler units serve a route.
	KindHandler Kind = "handler"
	// KindModule units describe a module made available through the module registry.
	KindModule Kind = "module"
)

// RespondEntry is the entry reference used by declarative units that carry a
// static response instead of referencing compiled code.
const RespondEntry = "respond"

// Descriptor is the manifest record extracted from one source file.
type Descriptor struct {
	SourceID     string    `json:"sourceId"`
	Kind         Kind      `json:"kind"`
	Method       string    `json:"method,omitempty"`
	PathPattern  string    `json:"pathPattern,omitempty"`
	EntryRef     string    `json:"entryRef"`
	LastModified int64     `json:"lastModified"`
	Path         string    `json:"path,omitempty"`
	Override     bool      `json:"override,omitempty"`
	Index        bool      `json:"index,omitempty"`
	Respond      *Response `json:"respond,omitempty"`
}

// Response is a static response declared by a declarative unit.
type Response struct {
	Status      int               `json:"status"`
	ContentType string            `json:"contentType,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body,omitempty"`
}

// Validate reports whether d is internally consistent.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.SourceID) == "" {
		return errors.New("unit: empty source id")
	}
	switch d.Kind {
	case KindHandler:
		if d.Method == "" || d.PathPattern == "" {
			return fmt.Errorf("unit: handler %s missing method or path pattern", d.SourceID)
		}
	case KindModule:
	default:
		return fmt.Errorf("unit: %s has unknown kind %q", d.SourceID, d.Kind)
	}
	if d.EntryRef == "" {
		return fmt.Errorf("unit: %s missing entry reference", d.SourceID)
	}
	return nil
}

// Equivalent reports whether two descriptors describe the same route target.
func (d Descriptor) Equivalent(other Descriptor) bool {
	return d.Kind == other.Kind &&
		d.Method == other.Method &&
		d.PathPattern == other.PathPattern &&
		d.EntryRef == other.EntryRef
}

// Clone returns a deep copy of d.
func (d Descriptor) Clone() Descriptor {
	if d.Respond != nil {
		resp := *d.Respond
		if len(resp.Headers) > 0 {
			headers := make(map[string]string, len(resp.Headers))
			for k, v := range resp.Headers {
				headers[k] = v
			}
			resp.Headers = headers
		}
		d.Respond = &resp
	}
	return d
}

// SourceID derives the stable identity of a file from its path relative to
// the source root: slash separated with the extension removed.
func SourceID(rel string) string {
	rel = path.Clean(strings.ReplaceAll(rel, "\\", "/"))
	rel = strings.TrimPrefix(rel, "./")
	rel = strings.TrimPrefix(rel, "/")
	if ext := path.Ext(rel); ext != "" {
		rel = strings.TrimSuffix(rel, ext)
	}
	return rel
}
