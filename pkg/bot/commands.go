package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CommandPrefix marks a chat line as a command invocation.
const CommandPrefix = "!"

// CommandSpec bounds how often one user may invoke a command. Cooldown is
// the refill interval of the per-user token bucket; Burst tokens may be
// spent back to back. A zero spec means unlimited.
type CommandSpec struct {
	Cooldown time.Duration
	Burst    int
}

// CommandFunc runs one invocation. args excludes the command name.
type CommandFunc func(ctx context.Context, userID string, args []string) error

type command struct {
	spec CommandSpec
	fn   CommandFunc

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func (c *command) allow(userID string) bool {
	if c.spec.Cooldown <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[userID]
	if !ok {
		burst := c.spec.Burst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Every(c.spec.Cooldown), burst)
		c.limiters[userID] = lim
	}
	return lim.Allow()
}

type commandRegistry struct {
	mu       sync.RWMutex
	commands map[string]*command
	logger   *slog.Logger
}

func newCommandRegistry(logger *slog.Logger) *commandRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &commandRegistry{
		commands: make(map[string]*command),
		logger:   logger.With("component", "commands"),
	}
}

func (r *commandRegistry) register(name string, spec CommandSpec, fn CommandFunc) {
	r.mu.Lock()
	r.commands[name] = &command{spec: spec, fn: fn, limiters: make(map[string]*rate.Limiter)}
	r.mu.Unlock()
}

// dispatch parses text and runs the matching command. Lines without the
// prefix and unknown commands are ignored; over-budget invocations are
// dropped with a warning.
func (r *commandRegistry) dispatch(ctx context.Context, userID, text string) error {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, CommandPrefix) {
		return nil
	}
	fields := strings.Fields(strings.TrimPrefix(text, CommandPrefix))
	if len(fields) == 0 {
		return nil
	}
	name, args := fields[0], fields[1:]

	r.mu.RLock()
	cmd, ok := r.commands[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	if !cmd.allow(userID) {
		r.logger.Warn("Command rate limited", "command", name, "user_id", userID)
		return nil
	}

	if err := cmd.fn(ctx, userID, args); err != nil {
		return fmt.Errorf("command %s: %w", name, err)
	}
	return nil
}
