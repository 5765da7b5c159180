package gdbstub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSearchTimeout bounds a single pattern search
const DefaultSearchTimeout = 60 * time.Second

// examineCount is the number of words requested per examine command
const examineCount = 6

// Config holds the debug channel settings
type Config struct {
	// GDBPath is the debugger binary
	GDBPath string
	// Target is the remote stub endpoint
	Target string
	// SearchTimeout bounds FindPattern; nothing else has a deadline
	SearchTimeout time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns the settings for a local emulator stub
func DefaultConfig() *Config {
	return &Config{
		GDBPath:       "gdb-multiarch",
		Target:        "localhost:1234",
		SearchTimeout: DefaultSearchTimeout,
	}
}

// Reader reads target memory
type Reader interface {
	Read(ctx context.Context, addr uint32) (uint32, error)
	ReadWords(ctx context.Context, addr uint32) ([]uint32, error)
	ReadString(ctx context.Context, addr uint32) (string, error)
}

// Writer writes target memory
type Writer interface {
	Write(ctx context.Context, addr, value uint32) error
}

// Searcher searches target memory
type Searcher interface {
	FindPattern(ctx context.Context, base, length uint32, pattern []byte) ([]uint32, error)
}

// Channel is one attached session with the debug stub. It is not safe
// for concurrent use.
type Channel struct {
	transport Transport
	config    Config
	logger    *zap.Logger

	once     sync.Once
	closeErr error
}

// Dial starts the debugger and attaches it to the configured stub
func Dial(ctx context.Context, config *Config) (*Channel, error) {
	c := withDefaults(config)
	t, err := StartMI(ctx, c.GDBPath, c.Logger)
	if err != nil {
		return nil, err
	}

	ch := New(t, &c)
	if err := ch.Attach(ctx); err != nil {
		t.Close()
		return nil, err
	}
	return ch, nil
}

// New wraps an already running transport. Call Attach before use.
func New(t Transport, config *Config) *Channel {
	c := withDefaults(config)
	return &Channel{
		transport: t,
		config:    c,
		logger:    c.Logger,
	}
}

// withDefaults copies config and fills every unset field
func withDefaults(config *Config) Config {
	d := DefaultConfig()
	if config == nil {
		config = d
	}
	c := *config
	if c.GDBPath == "" {
		c.GDBPath = d.GDBPath
	}
	if c.Target == "" {
		c.Target = d.Target
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = d.SearchTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Attach connects the debugger to the remote target
func (c *Channel) Attach(ctx context.Context) error {
	c.logger.Debug("attaching to remote target", zap.String("target", c.config.Target))

	for _, setting := range []string{"set pagination off", "set confirm off"} {
		if _, err := c.transport.Exec(ctx, setting); err != nil {
			return fmt.Errorf("%w: %v", ErrConnection, err)
		}
	}
	if _, err := c.transport.Exec(ctx, "target remote "+c.config.Target); err != nil {
		if errors.Is(err, ErrConnection) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrConnection, c.config.Target, err)
	}
	return nil
}

// Write stores one 32-bit word. The stub gives no acknowledgement beyond
// command success.
func (c *Channel) Write(ctx context.Context, addr, value uint32) error {
	c.logger.Debug("write", zap.String("addr", hex(addr)), zap.String("value", hex(value)))

	command := fmt.Sprintf("set *(unsigned int*) (%#x) = %#x", addr, value)
	_, err := c.exec(ctx, command)
	return err
}

// ReadWords examines six words starting at addr
func (c *Channel) ReadWords(ctx context.Context, addr uint32) ([]uint32, error) {
	command := fmt.Sprintf("x/%dxw %#x", examineCount, addr)
	reply, err := c.query(ctx, command)
	if err != nil {
		return nil, err
	}
	return parseWords(command, reply)
}

// Read returns the word at addr
func (c *Channel) Read(ctx context.Context, addr uint32) (uint32, error) {
	words, err := c.ReadWords(ctx, addr)
	if err != nil {
		return 0, err
	}
	c.logger.Debug("read", zap.String("addr", hex(addr)), zap.String("value", hex(words[0])))
	return words[0], nil
}

// ReadString returns the NUL-terminated string at addr with the
// debugger's quoting removed
func (c *Channel) ReadString(ctx context.Context, addr uint32) (string, error) {
	command := fmt.Sprintf("x/s %#x", addr)
	reply, err := c.query(ctx, command)
	if err != nil {
		return "", err
	}
	return parseString(command, reply)
}

// FindPattern searches [base, base+length) for pattern and returns every
// match address. It fails with ErrTimeout once SearchTimeout elapses.
func (c *Channel) FindPattern(ctx context.Context, base, length uint32, pattern []byte) ([]uint32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.SearchTimeout)
	defer cancel()

	c.logger.Debug("searching memory",
		zap.String("base", hex(base)),
		zap.String("length", hex(length)),
		zap.ByteString("pattern", pattern),
		zap.Duration("timeout", c.config.SearchTimeout))

	command := fmt.Sprintf("find %#x, +%#x, %s", base, length, quotePattern(pattern))
	reply, err := c.exec(ctx, command)
	if err != nil {
		return nil, err
	}
	return parseFind(command, reply)
}

// Disconnect detaches from the target and stops the debugger. It is safe
// to call more than once.
func (c *Channel) Disconnect() error {
	c.once.Do(func() {
		c.logger.Debug("detaching from remote target")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := c.transport.Exec(ctx, "detach"); err != nil {
			c.logger.Debug("detach failed", zap.Error(err))
		}
		c.closeErr = c.transport.Close()
	})
	return c.closeErr
}

func (c *Channel) exec(ctx context.Context, command string) ([]string, error) {
	reply, err := c.transport.Exec(ctx, command)
	if err == nil {
		return reply, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %q: %v", ErrTimeout, command, err)
	}
	return nil, err
}

// query runs a read command. A rejected read has no payload to decode.
func (c *Channel) query(ctx context.Context, command string) ([]string, error) {
	reply, err := c.exec(ctx, command)
	var cerr *CommandError
	if errors.As(err, &cerr) {
		return nil, &ParseError{Command: command, Reason: cerr.Message, Cause: cerr}
	}
	return reply, err
}

func hex(v uint32) string {
	return fmt.Sprintf("0x%08x", v)
}
