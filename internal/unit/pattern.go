package unit

import (
	"fmt"
	"regexp"
	"strings"
)

var paramName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DerivePattern turns a source id into a route pattern. A segment wrapped in
// brackets becomes a named parameter, "[...name]" becomes a trailing catch-all
// and segments named "index" are elided. index reports whether an elision
// happened.
func DerivePattern(sourceID string) (pattern string, index bool, err error) {
	segments := strings.Split(strings.Trim(sourceID, "/"), "/")
	out := make([]string, 0, len(segments))
	for i, seg := range segments {
		last := i == len(segments)-1
		switch {
		case seg == "":
			continue
		case seg == "index":
			index = true
			continue
		case strings.HasPrefix(seg, "[...") && strings.HasSuffix(seg, "]"):
			name := seg[4 : len(seg)-1]
			if !last {
				return "", false, fmt.Errorf("catch-all segment %q must be last", seg)
			}
			if !paramName.MatchString(name) {
				return "", false, fmt.Errorf("invalid parameter name %q", name)
			}
			out = append(out, "*"+name)
		case strings.HasPrefix(seg, "[") && strings.HasSuffix(seg, "]"):
			name := seg[1 : len(seg)-1]
			if !paramName.MatchString(name) {
				return "", false, fmt.Errorf("invalid parameter name %q", name)
			}
			out = append(out, ":"+name)
		default:
			if err := validStatic(seg); err != nil {
				return "", false, err
			}
			out = append(out, seg)
		}
	}
	pattern, err = NormalizePattern("/" + strings.Join(out, "/"))
	if err != nil {
		return "", false, err
	}
	return pattern, index, nil
}

// NormalizePattern validates an explicitly declared pattern.
func NormalizePattern(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "/") {
		return "", fmt.Errorf("path %q must start with /", raw)
	}
	if raw == "/" {
		return raw, nil
	}
	segments := strings.Split(strings.TrimSuffix(raw[1:], "/"), "/")
	seen := make(map[string]struct{}, len(segments))
	for i, seg := range segments {
		switch {
		case seg == "":
			return "", fmt.Errorf("path %q has an empty segment", raw)
		case seg[0] == ':' || seg[0] == '*':
			name := seg[1:]
			if !paramName.MatchString(name) {
				return "", fmt.Errorf("invalid parameter name %q", name)
			}
			if seg[0] == '*' && i != len(segments)-1 {
				return "", fmt.Errorf("catch-all segment %q must be last", seg)
			}
			if _, dup := seen[name]; dup {
				return "", fmt.Errorf("duplicate parameter %q", name)
			}
			seen[name] = struct{}{}
		default:
			if err := validStatic(seg); err != nil {
				return "", err
			}
		}
	}
	return "/" + strings.Join(segments, "/"), nil
}

func validStatic(seg string) error {
	if strings.ContainsAny(seg, "{}[]?#") {
		return fmt.Errorf("segment %q contains reserved characters", seg)
	}
	return nil
}
