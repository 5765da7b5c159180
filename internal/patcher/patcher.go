// Package patcher rewrites credential fields and security-policy globals
// in target kernel memory. Writes are fire-and-forget: nothing is read
// back after it is written.
package patcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/yairfalse/emuroot/internal/gdbstub"
)

// Offsets of the identity words inside struct cred
const (
	OffsetUID   uint32 = 0x04
	OffsetGID   uint32 = 0x08
	OffsetSUID  uint32 = 0x0c
	OffsetSGID  uint32 = 0x10
	OffsetEUID  uint32 = 0x14
	OffsetEGID  uint32 = 0x18
	OffsetFSUID uint32 = 0x1c
	OffsetFSGID uint32 = 0x20
)

// Offsets of the capability words (effective, permitted, inheritable;
// low then high half each)
var capabilityOffsets = []uint32{0x30, 0x34, 0x38, 0x3c, 0x40, 0x44}

// realIDOffsets are zeroed by every root-id patch
var realIDOffsets = []uint32{OffsetUID, OffsetGID, OffsetSUID, OffsetSGID, OffsetFSUID, OffsetFSGID}

// DefaultEnforcementAddresses are the SELinux enforcement globals of the
// supported emulator kernel build
var DefaultEnforcementAddresses = []uint32{0xC0A77548, 0xC0A7754C, 0xC0A77550}

const fullCapabilities uint32 = 0xffffffff

// Config holds patcher settings
type Config struct {
	// EnforcementAddresses are zeroed to switch mandatory access control
	// to permissive
	EnforcementAddresses []uint32
	Logger               *zap.Logger
}

// Patcher applies credential patches through a debug channel writer
type Patcher struct {
	mem         gdbstub.Writer
	enforcement []uint32
	logger      *zap.Logger
}

// New creates a patcher
func New(mem gdbstub.Writer, config *Config) *Patcher {
	p := &Patcher{
		mem:         mem,
		enforcement: DefaultEnforcementAddresses,
		logger:      zap.NewNop(),
	}
	if config != nil {
		if len(config.EnforcementAddresses) > 0 {
			p.enforcement = config.EnforcementAddresses
		}
		if config.Logger != nil {
			p.logger = config.Logger
		}
	}
	return p
}

// SetRootIDs zeroes the real, saved and filesystem ids of the credential
// structure at cred. Effective ids are zeroed only with includeEffective,
// so a process can keep its visible identity while holding root.
func (p *Patcher) SetRootIDs(ctx context.Context, cred uint32, includeEffective bool) error {
	p.logger.Debug("setting root ids",
		zap.String("cred", fmt.Sprintf("0x%08x", cred)),
		zap.Bool("effective", includeEffective))

	offsets := realIDOffsets
	if includeEffective {
		offsets = append(append([]uint32{}, offsets...), OffsetEUID, OffsetEGID)
	}
	for _, off := range offsets {
		if err := p.mem.Write(ctx, cred+off, 0); err != nil {
			return fmt.Errorf("failed to zero id at +%#x: %w", off, err)
		}
	}

	if !includeEffective {
		p.logger.Info("effective ids left unchanged")
	}
	return nil
}

// SetFullCapabilities sets every capability word at cred to all ones
func (p *Patcher) SetFullCapabilities(ctx context.Context, cred uint32) error {
	p.logger.Debug("setting full capabilities", zap.String("cred", fmt.Sprintf("0x%08x", cred)))

	for _, off := range capabilityOffsets {
		if err := p.mem.Write(ctx, cred+off, fullCapabilities); err != nil {
			return fmt.Errorf("failed to set capability word at +%#x: %w", off, err)
		}
	}
	return nil
}

// DisableEnforcement zeroes the enforcement globals
func (p *Patcher) DisableEnforcement(ctx context.Context) error {
	p.logger.Debug("disabling SELinux enforcement")

	for _, addr := range p.enforcement {
		if err := p.mem.Write(ctx, addr, 0); err != nil {
			return fmt.Errorf("failed to clear enforcement flag at 0x%08x: %w", addr, err)
		}
	}
	return nil
}
