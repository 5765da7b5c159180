// Package walker follows parent links between process descriptors until
// it reaches an ancestor with a given name.
package walker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/yairfalse/emuroot/internal/gdbstub"
	"github.com/yairfalse/emuroot/internal/kernel"
)

// DefaultMaxHops bounds a walk when no limit is configured
const DefaultMaxHops = 128

var (
	// ErrAncestorNotFound means the walk ended without a name match
	ErrAncestorNotFound = errors.New("ancestor not found")
	// ErrCycleDetected means a parent link led back to a visited descriptor
	ErrCycleDetected = errors.New("cycle in process hierarchy")
)

// Status tags the outcome of a walk
type Status int

const (
	NotFound Status = iota
	Found
	CycleDetected
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case CycleDetected:
		return "cycle-detected"
	default:
		return "not-found"
	}
}

// Result is the outcome of FindAncestorByName
type Result struct {
	Status Status
	// Descriptor is the matching ancestor's base address
	Descriptor uint32
	// Cred is the ancestor's credential structure address
	Cred uint32
	Hops int
}

// Err maps a non-Found result to a sentinel error
func (r Result) Err() error {
	switch r.Status {
	case Found:
		return nil
	case CycleDetected:
		return ErrCycleDetected
	default:
		return ErrAncestorNotFound
	}
}

// Config holds walker settings
type Config struct {
	MaxHops int
	Logger  *zap.Logger
}

// Walker walks the process hierarchy through the debug channel
type Walker struct {
	mem     gdbstub.Reader
	profile kernel.Profile
	maxHops int
	logger  *zap.Logger
}

// New creates a walker for one kernel profile
func New(mem gdbstub.Reader, profile kernel.Profile, config *Config) *Walker {
	w := &Walker{
		mem:     mem,
		profile: profile,
		maxHops: DefaultMaxHops,
		logger:  zap.NewNop(),
	}
	if config != nil {
		if config.MaxHops > 0 {
			w.maxHops = config.MaxHops
		}
		if config.Logger != nil {
			w.logger = config.Logger
		}
	}
	return w
}

// parentLink is where a descriptor keeps its parent pointer
func (w *Walker) parentLink(desc uint32) uint32 {
	return desc + w.profile.OffsetToName - w.profile.OffsetToParent
}

// credLink is where a descriptor keeps its credential pointer
func (w *Walker) credLink(desc uint32) uint32 {
	return desc + w.profile.OffsetToName - 4
}

// FindAncestorByName walks up from start, which is never itself matched,
// and returns the first ancestor whose name equals target. Only protocol
// failures are returned as errors.
func (w *Walker) FindAncestorByName(ctx context.Context, start uint32, target string) (Result, error) {
	logger := w.logger.With(zap.String("target", target))
	visited := map[uint32]struct{}{start: {}}

	cur := start
	for hop := 1; hop <= w.maxHops; hop++ {
		parent, err := w.mem.Read(ctx, w.parentLink(cur))
		if err != nil {
			return Result{}, fmt.Errorf("failed to read parent of 0x%08x: %w", cur, err)
		}
		if parent == 0 {
			logger.Debug("reached descriptor without parent", zap.String("descriptor", hex(cur)))
			return Result{Status: NotFound, Hops: hop}, nil
		}
		if _, seen := visited[parent]; seen {
			logger.Debug("parent link revisits a descriptor", zap.String("descriptor", hex(parent)))
			return Result{Status: CycleDetected, Descriptor: parent, Hops: hop}, nil
		}
		visited[parent] = struct{}{}

		name, err := w.mem.ReadString(ctx, parent+w.profile.OffsetToName)
		if err != nil {
			return Result{}, fmt.Errorf("failed to read name of 0x%08x: %w", parent, err)
		}
		logger.Debug("ancestor", zap.String("descriptor", hex(parent)), zap.String("name", name))

		if name == target {
			cred, err := w.mem.Read(ctx, w.credLink(parent))
			if err != nil {
				return Result{}, fmt.Errorf("failed to read credentials of 0x%08x: %w", parent, err)
			}
			return Result{Status: Found, Descriptor: parent, Cred: cred, Hops: hop}, nil
		}
		cur = parent
	}

	logger.Debug("hop limit reached", zap.Int("max_hops", w.maxHops))
	return Result{Status: NotFound, Hops: w.maxHops}, nil
}

func hex(v uint32) string {
	return fmt.Sprintf("0x%08x", v)
}
