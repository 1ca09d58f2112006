package unit

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

type hclUnitFile struct {
	Routes  []*hclRoute  `hcl:"route,block"`
	Modules []*hclModule `hcl:"module,block"`
}

type hclRoute struct {
	Method  *string     `hcl:"method,optional"`
	Path    *string     `hcl:"path,optional"`
	Entry   *string     `hcl:"entry,optional"`
	Respond *hclRespond `hcl:"respond,block"`
}

type hclRespond struct {
	Status      *int              `hcl:"status,optional"`
	ContentType *string           `hcl:"content_type,optional"`
	Body        *string           `hcl:"body,optional"`
	Headers     map[string]string `hcl:"headers,optional"`
}

type hclModule struct {
	Name string `hcl:"name"`
}

var hclFunctions = map[string]function.Function{
	"jsonencode": stdlib.JSONEncodeFunc,
	"upper":      stdlib.UpperFunc,
	"lower":      stdlib.LowerFunc,
	"format":     stdlib.FormatFunc,
	"join":       stdlib.JoinFunc,
}

// analyzeHCL decodes a declarative unit. Expressions may call a small set of
// cty stdlib functions and read unit.source_id.
func analyzeHCL(id, rel string, content []byte) (*Descriptor, *AnalysisError) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(content, rel)
	if diags.HasErrors() {
		return nil, &AnalysisError{Kind: ErrParse, Reason: "parse hcl", Err: diags}
	}
	evalCtx := &hcl.EvalContext{
		Functions: hclFunctions,
		Variables: map[string]cty.Value{
			"unit": cty.ObjectVal(map[string]cty.Value{
				"source_id": cty.StringVal(id),
			}),
		},
	}
	var parsed hclUnitFile
	if diags := gohcl.DecodeBody(file.Body, evalCtx, &parsed); diags.HasErrors() {
		return nil, &AnalysisError{Kind: ErrInvalid, Reason: "decode hcl", Err: diags}
	}
	switch total := len(parsed.Routes) + len(parsed.Modules); {
	case total == 0:
		return nil, &AnalysisError{Kind: ErrNoEntry, Reason: "no route or module block declared"}
	case total > 1:
		return nil, &AnalysisError{Kind: ErrInvalid, Reason: fmt.Sprintf("%d unit blocks declared, expected one", total)}
	}
	if len(parsed.Modules) == 1 {
		name := strings.TrimSpace(parsed.Modules[0].Name)
		if name == "" {
			return nil, &AnalysisError{Kind: ErrInvalid, Reason: "module name is empty"}
		}
		return &Descriptor{Kind: KindModule, EntryRef: name}, nil
	}
	return decodeRoute(parsed.Routes[0])
}

func decodeRoute(route *hclRoute) (*Descriptor, *AnalysisError) {
	desc := &Descriptor{Kind: KindHandler, Method: "GET"}
	if route.Method != nil {
		desc.Method = strings.ToUpper(strings.TrimSpace(*route.Method))
	}
	if !IsMethod(desc.Method) {
		return nil, &AnalysisError{Kind: ErrInvalid, Reason: fmt.Sprintf("unsupported method %q", desc.Method)}
	}
	if route.Path != nil {
		desc.PathPattern = *route.Path
	}
	entry := ""
	if route.Entry != nil {
		entry = strings.TrimSpace(*route.Entry)
	}
	switch {
	case entry != "" && route.Respond != nil:
		return nil, &AnalysisError{Kind: ErrInvalid, Reason: "entry and respond are mutually exclusive"}
	case entry != "":
		if entry == RespondEntry {
			return nil, &AnalysisError{Kind: ErrInvalid, Reason: fmt.Sprintf("entry name %q is reserved", RespondEntry)}
		}
		desc.EntryRef = entry
	case route.Respond != nil:
		resp, aerr := decodeRespond(route.Respond)
		if aerr != nil {
			return nil, aerr
		}
		desc.EntryRef = RespondEntry
		desc.Respond = resp
	default:
		return nil, &AnalysisError{Kind: ErrNoEntry, Reason: "route declares neither entry nor respond"}
	}
	return desc, nil
}

func decodeRespond(r *hclRespond) (*Response, *AnalysisError) {
	resp := &Response{Status: 200, Headers: r.Headers}
	if r.Status != nil {
		resp.Status = *r.Status
	}
	if resp.Status < 100 || resp.Status > 599 {
		return nil, &AnalysisError{Kind: ErrInvalid, Reason: fmt.Sprintf("status %d out of range", resp.Status)}
	}
	if r.ContentType != nil {
		resp.ContentType = *r.ContentType
	}
	if r.Body != nil {
		resp.Body = *r.Body
	}
	if len(resp.Headers) == 0 {
		resp.Headers = nil
	}
	return resp, nil
}
