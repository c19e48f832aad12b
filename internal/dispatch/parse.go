package dispatch

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// tokenize splits command text into tokens while supporting quotes, so
// passwords containing spaces survive parsing.
//
//	!login "user name" 'p w'
func tokenize(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			qChar = ch
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

var validConditions = map[string]bool{
	">": true, "<": true, ">=": true, "<=": true, "==": true,
}

// parseAlertDuration accepts either a bare positive integer (minutes) or a
// Go duration string like "90m" or "2h". Result is whole minutes.
func parseAlertDuration(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("duration must be positive")
		}
		return n, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("duration must be minutes or a duration like 90m")
	}
	if d < time.Minute {
		return 0, fmt.Errorf("duration must be at least one minute")
	}
	return int64(d / time.Minute), nil
}

// parsePrice validates a positive decimal and returns it in canonical form.
func parsePrice(s string) (string, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return "", fmt.Errorf("price must be a positive number")
	}
	return s, nil
}
