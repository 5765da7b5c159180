// Package stubtest provides an in-memory debug stub that answers the
// textual commands issued by gdbstub.Channel against a synthetic memory
// image.
package stubtest

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yairfalse/emuroot/internal/gdbstub"
)

// Write is one observed set-memory command
type Write struct {
	Addr  uint32
	Value uint32
}

var (
	reTarget = regexp.MustCompile(`^target remote (\S+)$`)
	reSet    = regexp.MustCompile(`^set \*\(unsigned int\*\) \((0x[0-9a-f]+)\) = (0x[0-9a-f]+|0)$`)
	reWords  = regexp.MustCompile(`^x/(\d+)xw (0x[0-9a-f]+|0)$`)
	reString = regexp.MustCompile(`^x/s (0x[0-9a-f]+|0)$`)
	reFind   = regexp.MustCompile(`^find (0x[0-9a-f]+), \+(0x[0-9a-f]+), (".*")$`)
)

// Stub implements gdbstub.Transport over a sparse byte map
type Stub struct {
	mu       sync.Mutex
	mem      map[uint32]byte
	writes   []Write
	commands []string
	closed   bool

	// Unreachable makes "target remote" fail
	Unreachable bool
	// SearchDelay holds find commands for this long
	SearchDelay time.Duration
	// OnCommand observes every command before it runs
	OnCommand func(command string)
	// Inaccessible makes examine commands at matching addresses fail
	Inaccessible func(addr uint32) bool
}

// New creates an empty stub
func New() *Stub {
	return &Stub{mem: make(map[uint32]byte)}
}

// PutWord stores a little-endian word
func (s *Stub) PutWord(addr, value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putWord(addr, value)
}

func (s *Stub) putWord(addr, value uint32) {
	for i := uint32(0); i < 4; i++ {
		s.mem[addr+i] = byte(value >> (8 * i))
	}
}

// PutString stores s followed by a NUL byte
func (s *Stub) PutString(addr uint32, str string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < len(str); i++ {
		s.mem[addr+uint32(i)] = str[i]
	}
	s.mem[addr+uint32(len(str))] = 0
}

// Word returns the word at addr
func (s *Stub) Word(addr uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.word(addr)
}

func (s *Stub) word(addr uint32) uint32 {
	var v uint32
	for i := uint32(0); i < 4; i++ {
		v |= uint32(s.mem[addr+i]) << (8 * i)
	}
	return v
}

// Writes returns every write in issue order
func (s *Stub) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Write, len(s.writes))
	copy(out, s.writes)
	return out
}

// Commands returns every command received
func (s *Stub) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// Closed reports whether Close was called
func (s *Stub) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Exec implements gdbstub.Transport
func (s *Stub) Exec(ctx context.Context, command string) ([]string, error) {
	if s.OnCommand != nil {
		s.OnCommand(command)
	}

	if m := reFind.FindStringSubmatch(command); m != nil && s.SearchDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.SearchDelay):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, command)

	if s.closed {
		return nil, fmt.Errorf("%w: stub closed", gdbstub.ErrConnection)
	}

	switch {
	case command == "set pagination off", command == "set confirm off", command == "detach":
		return nil, nil

	case reTarget.MatchString(command):
		if s.Unreachable {
			return nil, &gdbstub.CommandError{Command: command, Message: "Connection refused."}
		}
		return []string{"Remote debugging using " + reTarget.FindStringSubmatch(command)[1]}, nil

	case reSet.MatchString(command):
		m := reSet.FindStringSubmatch(command)
		addr, value := parseHex(m[1]), parseHex(m[2])
		s.writes = append(s.writes, Write{Addr: addr, Value: value})
		s.putWord(addr, value)
		return nil, nil

	case reWords.MatchString(command):
		m := reWords.FindStringSubmatch(command)
		n, _ := strconv.Atoi(m[1])
		addr := parseHex(m[2])
		if s.Inaccessible != nil && s.Inaccessible(addr) {
			return nil, accessError(command, addr)
		}
		return s.examineWords(addr, n), nil

	case reString.MatchString(command):
		addr := parseHex(reString.FindStringSubmatch(command)[1])
		if s.Inaccessible != nil && s.Inaccessible(addr) {
			return nil, accessError(command, addr)
		}
		return []string{fmt.Sprintf("0x%08x:\t%s", addr, strconv.Quote(s.cstring(addr)))}, nil

	case reFind.MatchString(command):
		m := reFind.FindStringSubmatch(command)
		pattern, err := strconv.Unquote(m[3])
		if err != nil {
			return nil, &gdbstub.CommandError{Command: command, Message: "Invalid pattern."}
		}
		return s.find(parseHex(m[1]), parseHex(m[2]), []byte(pattern)), nil
	}

	return nil, &gdbstub.CommandError{Command: command, Message: "Undefined command."}
}

// Close implements gdbstub.Transport
func (s *Stub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Stub) examineWords(addr uint32, n int) []string {
	var lines []string
	for i := 0; i < n; i += 4 {
		line := fmt.Sprintf("0x%08x:", addr+uint32(i*4))
		for j := i; j < n && j < i+4; j++ {
			line += fmt.Sprintf("\t0x%08x", s.word(addr+uint32(j*4)))
		}
		lines = append(lines, line)
	}
	return lines
}

func (s *Stub) cstring(addr uint32) string {
	var b strings.Builder
	for i := uint32(0); i < 200; i++ {
		c := s.mem[addr+i]
		if c == 0 {
			break
		}
		b.WriteByte(c)
	}
	return b.String()
}

func (s *Stub) find(base, length uint32, pattern []byte) []string {
	if len(pattern) == 0 {
		return []string{"Pattern not found."}
	}

	end := uint64(base) + uint64(length)
	var hits []uint32
	for addr, c := range s.mem {
		if c != pattern[0] || uint64(addr) < uint64(base) || uint64(addr)+uint64(len(pattern)) > end {
			continue
		}
		match := true
		for i := 1; i < len(pattern); i++ {
			if s.mem[addr+uint32(i)] != pattern[i] {
				match = false
				break
			}
		}
		if match {
			hits = append(hits, addr)
		}
	}
	if len(hits) == 0 {
		return []string{"Pattern not found."}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i] < hits[j] })
	lines := make([]string, 0, len(hits)+1)
	for _, h := range hits {
		lines = append(lines, fmt.Sprintf("0x%08x", h))
	}
	return append(lines, fmt.Sprintf("%d patterns found.", len(hits)))
}

func accessError(command string, addr uint32) error {
	return &gdbstub.CommandError{Command: command, Message: fmt.Sprintf("Cannot access memory at address %#x", addr)}
}

func parseHex(s string) uint32 {
	v, _ := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32)
	return uint32(v)
}
