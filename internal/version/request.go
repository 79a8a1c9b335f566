package version

import (
	"regexp"
	"strings"

	"toolpin/internal/toolerr"
)

var toolNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Request is a parsed "tool@specifier" argument.
type Request struct {
	Tool string
	Spec Specifier
}

func (r Request) String() string {
	return r.Tool + "@" + r.Spec.String()
}

// ParseRequest splits "node@20" style input. A bare tool name requests the
// latest release.
func ParseRequest(raw string) (Request, error) {
	value := strings.TrimSpace(raw)
	name, specRaw, hasSpec := strings.Cut(value, "@")
	tool, err := ParseTool(name)
	if err != nil {
		return Request{}, err
	}
	if !hasSpec {
		return Request{Tool: tool, Spec: Latest()}, nil
	}
	spec, err := Parse(specRaw)
	if err != nil {
		return Request{}, err
	}
	return Request{Tool: tool, Spec: spec}, nil
}

// ParseTool validates a tool name.
func ParseTool(raw string) (string, error) {
	tool := strings.ToLower(strings.TrimSpace(raw))
	if !toolNamePattern.MatchString(tool) {
		return "", toolerr.Newf(toolerr.KindInvalidSpecifier, "parse tool", "invalid tool name %q", raw)
	}
	return tool, nil
}
