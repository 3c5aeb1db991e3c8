package profiler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseMonitorLine parses one line of MONITOR output:
//
//	1339518083.107412 [0 127.0.0.1:60866] "keys" "*"
//
// The returned event has no Shard set. Status replies such as "OK" yield
// ErrNotMonitorLine.
func ParseMonitorLine(line string) (MonitorEvent, error) {
	var ev MonitorEvent

	line = strings.TrimRight(line, "\r\n")
	sp := strings.IndexByte(line, ' ')
	if sp < 0 {
		return ev, ErrNotMonitorLine
	}

	ts, err := parseMonitorTime(line[:sp])
	if err != nil {
		return ev, ErrNotMonitorLine
	}
	ev.Time = ts

	rest := line[sp+1:]
	if !strings.HasPrefix(rest, "[") {
		return ev, fmt.Errorf("missing client block in %q", line)
	}
	rest = rest[1:]

	// Client block is "<db> <source>]"; source may itself contain brackets
	// (IPv6) but never a double quote.
	end := strings.Index(rest, "] \"")
	if end < 0 {
		if !strings.HasSuffix(rest, "]") {
			return ev, fmt.Errorf("unterminated client block in %q", line)
		}
		end = len(rest) - 1
	}
	block := rest[:end]
	rest = strings.TrimPrefix(rest[end+1:], " ")

	dbStr, source, ok := strings.Cut(block, " ")
	if !ok {
		return ev, fmt.Errorf("malformed client block %q", block)
	}
	db, err := strconv.Atoi(dbStr)
	if err != nil {
		return ev, fmt.Errorf("invalid database index %q: %w", dbStr, err)
	}
	ev.Database = db
	ev.Source = source

	args, err := parseQuotedArgs(rest)
	if err != nil {
		return ev, fmt.Errorf("invalid arguments in %q: %w", line, err)
	}
	ev.Args = args

	return ev, nil
}

// parseMonitorTime parses "<seconds>.<microseconds>"
func parseMonitorTime(s string) (time.Time, error) {
	secStr, usecStr, ok := strings.Cut(s, ".")
	if !ok || secStr == "" || usecStr == "" || len(usecStr) > 6 {
		return time.Time{}, fmt.Errorf("malformed timestamp %q", s)
	}
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	// Pad so that ".1" means 100000 microseconds
	usecStr += strings.Repeat("0", 6-len(usecStr))
	usec, err := strconv.ParseInt(usecStr, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, usec*int64(time.Microsecond)).UTC(), nil
}

// parseQuotedArgs splits a run of space separated, double quoted strings
// and undoes the escaping Redis applies to each of them.
func parseQuotedArgs(s string) ([]string, error) {
	args := make([]string, 0, 4)
	i := 0
	for i < len(s) {
		if s[i] == ' ' {
			i++
			continue
		}
		if s[i] != '"' {
			return nil, fmt.Errorf("expected quote at offset %d", i)
		}
		i++

		var b strings.Builder
		closed := false
		for i < len(s) && !closed {
			c := s[i]
			switch {
			case c == '"':
				closed = true
				i++
			case c == '\\' && i+1 < len(s):
				n, adv := unescape(s[i+1:])
				b.WriteByte(n)
				i += 1 + adv
			default:
				b.WriteByte(c)
				i++
			}
		}
		if !closed {
			return nil, fmt.Errorf("unterminated argument")
		}
		args = append(args, b.String())
	}
	return args, nil
}

// unescape decodes the escape sequence following a backslash and reports
// how many bytes it consumed.
func unescape(s string) (byte, int) {
	switch s[0] {
	case 'n':
		return '\n', 1
	case 'r':
		return '\r', 1
	case 't':
		return '\t', 1
	case 'a':
		return '\a', 1
	case 'b':
		return '\b', 1
	case 'x':
		if len(s) >= 3 {
			if v, err := strconv.ParseUint(s[1:3], 16, 8); err == nil {
				return byte(v), 3
			}
		}
		return 'x', 1
	default:
		// \" and \\ and anything unknown stand for themselves
		return s[0], 1
	}
}
