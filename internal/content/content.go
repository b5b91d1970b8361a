package content

import (
	"bytes"
	"errors"
	"html/template"
	"regexp"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	policy      = bluemonday.UGCPolicy()
	markdown    = goldmark.New()
	roomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// Every message body passes through here before it is stored or fanned out.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// RenderMarkdown converts an admin reply from markdown to sanitized HTML.
// User messages stay plain text; only admin replies are rendered.
func RenderMarkdown(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", err
	}
	return policy.Sanitize(buf.String()), nil
}

// ValidateRoomID checks that a room id is a plausible identifier
// (alphanumeric and dashes) and not empty.
func ValidateRoomID(id string) error {
	if id == "" {
		return errors.New("room id cannot be empty")
	}
	if !roomIDRegex.MatchString(id) {
		return errors.New("room id contains invalid characters (allowed: alphanumeric, dash)")
	}
	return nil
}
