package gdbstub

import (
	"strconv"
	"strings"
)

// parseWords decodes an examine-words reply. Each line looks like
//
//	0xc0a1b000 <init_task+8>:	0x00000001	0xc0a1b2c4	...
//
// and the words of every line are returned in address order.
func parseWords(command string, reply []string) ([]uint32, error) {
	var words []uint32
	for _, line := range reply {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 || !strings.HasSuffix(strings.TrimSpace(fields[0]), ":") {
			continue
		}
		for _, f := range fields[1:] {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			v, err := parseHexWord(f)
			if err != nil {
				return nil, &ParseError{Command: command, Reply: reply, Reason: err.Error()}
			}
			words = append(words, v)
		}
	}
	if len(words) == 0 {
		return nil, &ParseError{Command: command, Reply: reply, Reason: "no data line"}
	}
	return words, nil
}

// parseFind decodes the address list of a find reply. Trailer lines such
// as "2 patterns found." or "Pattern not found." are skipped.
func parseFind(command string, reply []string) ([]uint32, error) {
	var addrs []uint32
	for _, line := range reply {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "0x") {
			continue
		}
		field := strings.Fields(line)[0]
		v, err := parseHexWord(field)
		if err != nil {
			return nil, &ParseError{Command: command, Reply: reply, Reason: err.Error()}
		}
		addrs = append(addrs, v)
	}
	return addrs, nil
}

// parseString decodes an examine-string reply
//
//	0xc0a1b2c4:	"adbd"
//
// and returns the unquoted text.
func parseString(command string, reply []string) (string, error) {
	for _, line := range reply {
		_, payload, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		return NormalizeString(payload), nil
	}
	return "", &ParseError{Command: command, Reply: reply, Reason: "no data line"}
}

// NormalizeString strips the quoting the debugger puts around string
// values. Repeat annotations after the first quoted segment are dropped.
func NormalizeString(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, `"`) {
		return s
	}

	end := 1
	for end < len(s) {
		if s[end] == '\\' {
			end += 2
			continue
		}
		if s[end] == '"' {
			break
		}
		end++
	}
	if end >= len(s) {
		return strings.Trim(s, `"`)
	}

	quoted := s[:end+1]
	if v, err := strconv.Unquote(quoted); err == nil {
		return v
	}
	return quoted[1 : len(quoted)-1]
}

func parseHexWord(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	return uint32(v), err
}

// quotePattern renders bytes as a debugger string literal
func quotePattern(p []byte) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, c := range p {
		switch {
		case c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c >= 0x20 && c < 0x7f:
			b.WriteByte(c)
		default:
			b.WriteString("\\")
			b.WriteString(strconv.FormatInt(int64(c)|0o1000, 8)[1:])
		}
	}
	b.WriteByte('"')
	return b.String()
}
