package jobmanager

import (
	"encoding/json"
	"fmt"
	"unicode"
)

// SplitCommand tokenizes a shell-like string into argv.
//
// Whitespace separates arguments outside quotes. Single or double quotes
// group text; inside a quoted section a backslash escapes only the quote
// character that opened it. Nothing is expanded. Empty tokens are dropped
// and an unterminated quote runs to the end of the input.
func SplitCommand(s string) []string {
	var (
		out   []string
		buf   []rune
		quote rune
	)
	rs := []rune(s)
	for i := 0; i < len(rs); i++ {
		ch := rs[i]
		if quote != 0 {
			switch {
			case ch == quote:
				quote = 0
			case ch == '\\' && i+1 < len(rs) && rs[i+1] == quote:
				buf = append(buf, quote)
				i++
			default:
				buf = append(buf, ch)
			}
			continue
		}
		switch {
		case ch == '"' || ch == '\'':
			quote = ch
		case unicode.IsSpace(ch):
			if len(buf) > 0 {
				out = append(out, string(buf))
				buf = buf[:0]
			}
		default:
			buf = append(buf, ch)
		}
	}
	if len(buf) > 0 {
		out = append(out, string(buf))
	}
	return out
}

// Command is an argv that decodes from either a JSON array of strings or a
// shell-like JSON string.
type Command []string

// UnmarshalJSON accepts both forms.
func (c *Command) UnmarshalJSON(data []byte) error {
	var argv []string
	if err := json.Unmarshal(data, &argv); err == nil {
		*c = argv
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("command must be a string or an array of strings")
	}
	*c = SplitCommand(s)
	return nil
}
