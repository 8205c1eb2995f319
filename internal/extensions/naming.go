package extensions

import (
	"fmt"
	"strings"
)

// ToolNameSeparator joins an extension name and a local tool name into
// the fully-qualified form presented to the model.
const ToolNameSeparator = "__"

// PrefixToolName qualifies a local tool name with its extension.
func PrefixToolName(extension, tool string) string {
	return extension + ToolNameSeparator + tool
}

// SplitToolName recovers (extension, tool) from a qualified name by
// splitting on the first separator. Local tool names may themselves
// contain the separator; extension names may not, which Validate
// enforces.
func SplitToolName(qualified string) (extension, tool string, err error) {
	idx := strings.Index(qualified, ToolNameSeparator)
	if idx <= 0 || idx+len(ToolNameSeparator) >= len(qualified) {
		return "", "", fmt.Errorf("%w: malformed qualified name %q", ErrToolNotFound, qualified)
	}
	return qualified[:idx], qualified[idx+len(ToolNameSeparator):], nil
}
