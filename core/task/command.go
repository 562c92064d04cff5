package task

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{(.*?)\}`)

// Command is a shell command template with named placeholders, e.g.
// "python -m http.server --bind {ip} {port}". Webapp commands receive the
// allocated ip/port through the reserved placeholders.
type Command struct {
	Template     string
	Placeholders []string
}

// NewCommand parses a template and records its placeholders.
func NewCommand(template string) (*Command, error) {
	template = strings.TrimSpace(template)
	if template == "" {
		return nil, fmt.Errorf("command template is empty")
	}
	matches := placeholderPattern.FindAllStringSubmatch(template, -1)
	placeholders := make([]string, 0, len(matches))
	for _, m := range matches {
		placeholders = append(placeholders, m[1])
	}
	return &Command{Template: template, Placeholders: placeholders}, nil
}

// CheckArgs verifies that every named argument has a placeholder.
func (c *Command) CheckArgs(argNames []string) error {
	for _, name := range argNames {
		if !c.hasPlaceholder(name) {
			return fmt.Errorf("argument %q is not in the command template", name)
		}
	}
	return nil
}

// Format substitutes placeholder values into the template. Every
// placeholder must be provided.
func (c *Command) Format(vals map[string]any) (string, error) {
	out := c.Template
	for _, ph := range c.Placeholders {
		val, ok := vals[ph]
		if !ok {
			return "", fmt.Errorf("value for placeholder %q is not provided", ph)
		}
		out = strings.ReplaceAll(out, "{"+ph+"}", fmt.Sprintf("%v", val))
	}
	return out, nil
}

func (c *Command) hasPlaceholder(name string) bool {
	for _, ph := range c.Placeholders {
		if ph == name {
			return true
		}
	}
	return false
}
