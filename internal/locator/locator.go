// Package locator finds a process descriptor in raw kernel memory by
// searching for the process name and checking the words around it.
package locator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/yairfalse/emuroot/internal/gdbstub"
	"github.com/yairfalse/emuroot/internal/kernel"
)

// Kernel lowmem window searched for descriptor names
const (
	SearchBase   uint32 = 0xc0000000
	SearchLength uint32 = 0x40000000
)

var (
	// ErrNotFound means no candidate passed validation
	ErrNotFound = errors.New("process descriptor not found")

	// ErrAmbiguous means several candidates passed validation under
	// PolicyUnique
	ErrAmbiguous = errors.New("several process descriptors match")
)

// Policy picks one descriptor when several candidates validate
type Policy string

const (
	// PolicyLast keeps the highest-addressed validated candidate
	PolicyLast Policy = "last"
	// PolicyFirst keeps the lowest-addressed validated candidate
	PolicyFirst Policy = "first"
	// PolicyUnique refuses to choose
	PolicyUnique Policy = "unique"
)

// ParsePolicy validates a policy name
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyLast, PolicyFirst, PolicyUnique:
		return p, nil
	}
	return "", fmt.Errorf("unknown selection policy %q", s)
}

// Memory is what the locator needs from the debug channel
type Memory interface {
	gdbstub.Searcher
	ReadWords(ctx context.Context, addr uint32) ([]uint32, error)
}

// Config holds locator settings
type Config struct {
	Policy Policy
	Logger *zap.Logger
}

// Locator resolves process names to descriptor base addresses
type Locator struct {
	mem     Memory
	profile kernel.Profile
	policy  Policy
	logger  *zap.Logger
}

// New creates a locator for one kernel profile
func New(mem Memory, profile kernel.Profile, config *Config) *Locator {
	l := &Locator{
		mem:     mem,
		profile: profile,
		policy:  PolicyLast,
		logger:  zap.NewNop(),
	}
	if config != nil {
		if config.Policy != "" {
			l.policy = config.Policy
		}
		if config.Logger != nil {
			l.logger = config.Logger
		}
	}
	return l
}

// IsDescriptorSignature reports whether a dump taken at the 16-byte
// boundary below a name match looks like a descriptor. The two leading
// words hold the real and effective credential pointers, which are equal
// for an ordinary process. Coincidental string matches rarely satisfy
// this, but the check is a heuristic: false positives and negatives are
// an accepted accuracy bound.
func IsDescriptorSignature(words []uint32) bool {
	return len(words) >= 2 && words[0] == words[1]
}

// alignedWith reports whether a name match sits where a descriptor's name
// field would, modulo 16
func (l *Locator) alignedWith(addr uint32) bool {
	return addr%16 == l.profile.OffsetToName%16
}

// Locate returns the base address of the descriptor named name
func (l *Locator) Locate(ctx context.Context, name string) (uint32, error) {
	logger := l.logger.With(zap.String("process", name))
	logger.Debug("searching for process descriptor")

	matches, err := l.mem.FindPattern(ctx, SearchBase, SearchLength, []byte(name))
	if err != nil {
		return 0, fmt.Errorf("failed to search for %q: %w", name, err)
	}

	var candidates []uint32
	for _, a := range matches {
		if l.alignedWith(a) {
			candidates = append(candidates, a)
		}
	}
	logger.Debug("name matches",
		zap.Int("matches", len(matches)),
		zap.Int("aligned", len(candidates)))

	slack := l.profile.OffsetToName % 16
	var valid []uint32
	for _, a := range candidates {
		words, err := l.mem.ReadWords(ctx, a-slack)
		if err != nil {
			return 0, fmt.Errorf("failed to validate candidate 0x%08x: %w", a, err)
		}
		if IsDescriptorSignature(words) {
			valid = append(valid, a)
		}
	}

	if len(valid) == 0 {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	chosen, err := l.choose(logger, valid)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", err, name)
	}

	base := chosen - l.profile.OffsetToName
	logger.Debug("process descriptor located", zap.String("base", fmt.Sprintf("0x%08x", base)))
	return base, nil
}

func (l *Locator) choose(logger *zap.Logger, valid []uint32) (uint32, error) {
	if len(valid) > 1 {
		addrs := make([]string, len(valid))
		for i, a := range valid {
			addrs[i] = fmt.Sprintf("0x%08x", a)
		}
		// several live processes may share the name; which one is
		// patched depends on the policy, not on any property of the
		// process
		logger.Warn("several descriptors validated",
			zap.Strings("candidates", addrs),
			zap.String("policy", string(l.policy)))
	}

	switch l.policy {
	case PolicyFirst:
		return valid[0], nil
	case PolicyUnique:
		if len(valid) > 1 {
			return 0, ErrAmbiguous
		}
		return valid[0], nil
	default:
		return valid[len(valid)-1], nil
	}
}
