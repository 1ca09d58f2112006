package unit

import (
	"path"
	"strings"
	"time"
)

// Result is the outcome of analysing one file: a descriptor, an analysis
// error, or neither when the file type is not a unit at all.
type Result struct {
	Descriptor *Descriptor
	Err        *AnalysisError
}

// Handled reports whether the file is a unit candidate.
func (r Result) Handled() bool {
	return r.Descriptor != nil || r.Err != nil
}

// Supported reports whether rel names a file the analyzer understands.
func Supported(rel string) bool {
	base := path.Base(strings.ReplaceAll(rel, "\\", "/"))
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_") || strings.HasSuffix(base, "~") {
		return false
	}
	switch path.Ext(base) {
	case ".go":
		return !strings.HasSuffix(base, "_test.go")
	case ".hcl":
		return true
	}
	return false
}

// Analyze inspects the content of the file at rel (relative to the source
// root) and never panics. modTime becomes the descriptor's version stamp.
func Analyze(rel string, content []byte, modTime time.Time) (res Result) {
	rel = strings.TrimPrefix(path.Clean(strings.ReplaceAll(rel, "\\", "/")), "/")
	if !Supported(rel) {
		return Result{}
	}
	id := SourceID(rel)
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: &AnalysisError{
				SourceID: id,
				Path:     rel,
				Kind:     ErrParse,
				Reason:   "analyzer panic",
			}}
		}
	}()
	var (
		desc *Descriptor
		aerr *AnalysisError
	)
	switch path.Ext(rel) {
	case ".go":
		desc, aerr = analyzeGo(id, rel, content)
	case ".hcl":
		desc, aerr = analyzeHCL(id, rel, content)
	}
	if aerr != nil {
		aerr.SourceID = id
		aerr.Path = rel
		return Result{Err: aerr}
	}
	desc.SourceID = id
	desc.Path = rel
	desc.LastModified = modTime.UnixMilli()
	if desc.Kind == KindHandler {
		if err := finishRoute(desc); err != nil {
			return Result{Err: &AnalysisError{SourceID: id, Path: rel, Kind: ErrInvalid, Reason: "invalid route pattern", Err: err}}
		}
	}
	return Result{Descriptor: desc}
}

// finishRoute fills the path pattern from the override or the file location.
func finishRoute(desc *Descriptor) error {
	if desc.PathPattern != "" {
		pattern, err := NormalizePattern(desc.PathPattern)
		if err != nil {
			return err
		}
		desc.PathPattern = pattern
		desc.Override = true
		return nil
	}
	pattern, index, err := DerivePattern(desc.SourceID)
	if err != nil {
		return err
	}
	desc.PathPattern = pattern
	desc.Index = index
	return nil
}

var knownMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "PATCH": {}, "DELETE": {}, "HEAD": {}, "OPTIONS": {},
}

// IsMethod reports whether m is an HTTP method a unit may declare.
func IsMethod(m string) bool {
	_, ok := knownMethods[m]
	return ok
}
