package unit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stamp = time.UnixMilli(1699123456789)

func analyzeOK(t *testing.T, rel, src string) Descriptor {
	t.Helper()
	res := Analyze(rel, []byte(src), stamp)
	require.Nil(t, res.Err, "unexpected analysis error")
	require.NotNil(t, res.Descriptor)
	return *res.Descriptor
}

func TestAnalyzeMethodFunction(t *testing.T) {
	desc := analyzeOK(t, "users/[id].go", `package users

func GET(w http.ResponseWriter, r *http.Request) error { return nil }
func helper() {}
`)
	assert.Equal(t, Descriptor{
		SourceID:     "users/[id]",
		Kind:         KindHandler,
		Method:       "GET",
		PathPattern:  "/users/:id",
		EntryRef:     "GET",
		LastModified: 1699123456789,
		Path:         "users/[id].go",
	}, desc)
}

func TestAnalyzeHandlerWithMethodAndOverride(t *testing.T) {
	desc := analyzeOK(t, "legacy/create.go", `package legacy

const (
	Method = "post"
	Path   = "/v1/things/:thing"
)

func Handler() {}
`)
	assert.Equal(t, "POST", desc.Method)
	assert.Equal(t, "Handler", desc.EntryRef)
	assert.Equal(t, "/v1/things/:thing", desc.PathPattern)
	assert.True(t, desc.Override)
}

func TestAnalyzeIndexElision(t *testing.T) {
	desc := analyzeOK(t, "users/index.go", "package users\n\nfunc Handler() {}\n")
	assert.Equal(t, "/users", desc.PathPattern)
	assert.True(t, desc.Index)

	root := analyzeOK(t, "index.go", "package root\n\nfunc Handler() {}\n")
	assert.Equal(t, "/", root.PathPattern)
}

func TestAnalyzeCatchAll(t *testing.T) {
	desc := analyzeOK(t, "files/[...rest].go", "package files\n\nfunc GET() {}\n")
	assert.Equal(t, "/files/*rest", desc.PathPattern)
}

func TestAnalyzeModule(t *testing.T) {
	desc := analyzeOK(t, "modules/db.go", "package modules\n\nfunc Module() {}\n")
	assert.Equal(t, KindModule, desc.Kind)
	assert.Empty(t, desc.Method)
	assert.Empty(t, desc.PathPattern)
	require.NoError(t, desc.Validate())
}

func TestAnalyzeFailures(t *testing.T) {
	cases := []struct {
		name string
		rel  string
		src  string
		kind ErrorKind
	}{
		{"syntax", "broken.go", "package broken\nfunc GET( {", ErrParse},
		{"no entry", "plain.go", "package plain\nfunc helper() {}\n", ErrNoEntry},
		{"multiple", "multi.go", "package multi\nfunc GET() {}\nfunc POST() {}\n", ErrInvalid},
		{"bad method", "weird.go", "package weird\nconst Method = \"BREW\"\nfunc Handler() {}\n", ErrInvalid},
		{"bad override", "over.go", "package over\nconst Path = \"nope\"\nfunc GET() {}\n", ErrInvalid},
		{"catch-all not last", "[...a]/b.go", "package b\nfunc GET() {}\n", ErrInvalid},
		{"duplicate param", "[id]/[id].go", "package x\nfunc GET() {}\n", ErrInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Analyze(tc.rel, []byte(tc.src), stamp)
			require.Nil(t, res.Descriptor)
			require.NotNil(t, res.Err)
			assert.Equal(t, tc.kind, res.Err.Kind)
			assert.Equal(t, SourceID(tc.rel), res.Err.SourceID)
			assert.Equal(t, tc.kind == ErrParse, res.Err.KeepPrevious())
			assert.Contains(t, res.Err.Error(), tc.rel)
		})
	}
}

func TestAnalyzeIgnoresUnsupportedFiles(t *testing.T) {
	for _, rel := range []string{"README.md", "users_test.go", ".hidden.go", "users.go~", "_draft.go"} {
		res := Analyze(rel, []byte("package x\nfunc GET() {}\n"), stamp)
		assert.False(t, res.Handled(), rel)
	}
}

func TestAnalyzeHCLRespond(t *testing.T) {
	desc := analyzeOK(t, "health.hcl", `
route {
  path = "/healthz"
  respond {
    status       = 200
    content_type = "application/json"
    body         = jsonencode({ ok = true, unit = unit.source_id })
    headers      = { "Cache-Control" = "no-store" }
  }
}
`)
	assert.Equal(t, "GET", desc.Method)
	assert.Equal(t, "/healthz", desc.PathPattern)
	assert.Equal(t, RespondEntry, desc.EntryRef)
	require.NotNil(t, desc.Respond)
	assert.Equal(t, 200, desc.Respond.Status)
	assert.JSONEq(t, `{"ok":true,"unit":"health"}`, desc.Respond.Body)
	assert.Equal(t, "no-store", desc.Respond.Headers["Cache-Control"])
}

func TestAnalyzeHCLEntryAndModule(t *testing.T) {
	desc := analyzeOK(t, "orders/[order].hcl", `
route {
  method = "delete"
  entry  = "CancelOrder"
}
`)
	assert.Equal(t, "DELETE", desc.Method)
	assert.Equal(t, "/orders/:order", desc.PathPattern)
	assert.Equal(t, "CancelOrder", desc.EntryRef)

	mod := analyzeOK(t, "modules/cache.hcl", `module { name = "cache" }`)
	assert.Equal(t, KindModule, mod.Kind)
	assert.Equal(t, "cache", mod.EntryRef)
}

func TestAnalyzeHCLFailures(t *testing.T) {
	cases := map[string]struct {
		src  string
		kind ErrorKind
	}{
		"syntax":    {`route {`, ErrParse},
		"empty":     {``, ErrNoEntry},
		"two units": {"route {\n entry = \"A\"\n}\nroute {\n entry = \"B\"\n}\n", ErrInvalid},
		"both":      {"route {\n entry = \"A\"\n respond {}\n}\n", ErrInvalid},
		"neither":   {"route {\n method = \"GET\"\n}\n", ErrNoEntry},
		"status":    {"route {\n respond {\n status = 42\n }\n}\n", ErrInvalid},
		"reserved":  {"route {\n entry = \"respond\"\n}\n", ErrInvalid},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			res := Analyze("unit.hcl", []byte(tc.src), stamp)
			require.NotNil(t, res.Err)
			assert.Equal(t, tc.kind, res.Err.Kind)
		})
	}
}

func TestDescriptorCloneIsDeep(t *testing.T) {
	orig := Descriptor{SourceID: "a", Respond: &Response{Status: 200, Headers: map[string]string{"X": "1"}}}
	clone := orig.Clone()
	clone.Respond.Headers["X"] = "2"
	clone.Respond.Status = 201
	assert.Equal(t, "1", orig.Respond.Headers["X"])
	assert.Equal(t, 200, orig.Respond.Status)
}
