package engine

import (
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/sanonone/kektorkv/pkg/core"
	"github.com/sanonone/kektorkv/pkg/metrics"
	"github.com/sanonone/kektorkv/pkg/persistence"
)

var (
	// ErrSyntax reports conflicting or malformed command options.
	ErrSyntax = errors.New("syntax error")
	// ErrInvalidExpire reports a non-positive or overflowing expire time.
	ErrInvalidExpire = errors.New("invalid expire time")
)

// command is one execution of a string command. It starts out propagating
// itself verbatim; a handler that knows a more deterministic equivalent
// replaces that with rewrite.
type command struct {
	name string
	args [][]byte

	propName  string
	propArgs  [][]byte
	rewritten bool

	// dirty counts keys this command signaled as modified.
	dirty int
}

func newCommand(name string, args ...[]byte) *command {
	return &command{name: name, args: args, propName: name, propArgs: args}
}

// rewrite replaces what this command appends to the AOF.
func (c *command) rewrite(name string, args ...[]byte) {
	c.propName = name
	c.propArgs = args
	c.rewritten = true
}

// signal marks key as modified by c.
func (e *Engine) signal(c *command, key string) {
	e.ks.SignalModified(key)
	c.dirty++
}

// install makes nv the value of key after a write that started from existing.
// An in-place edit leaves nothing to do.
func (e *Engine) install(key string, existing, nv *core.Value) {
	switch {
	case existing == nil:
		e.ks.Add(key, nv)
	case existing != nv:
		e.ks.Overwrite(key, nv)
	}
}

// lookupString returns the string at key for reading, applying the type guard.
func (e *Engine) lookupString(key string) (*core.Value, error) {
	return core.AsString(e.ks.LookupRead(key))
}

// lookupStringWrite is lookupString for commands that may modify key.
func (e *Engine) lookupStringWrite(key string) (*core.Value, error) {
	return core.AsString(e.ks.LookupWrite(key))
}

// exec runs fn as c under the command lock and, if it modified the keyspace,
// appends its propagated form to the AOF.
func (e *Engine) exec(c *command, fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := fn()
	metrics.CommandsTotal.WithLabelValues(c.name, outcome(err)).Inc()
	if err != nil || c.dirty == 0 || e.replaying {
		return err
	}
	return e.propagate(c)
}

func (e *Engine) propagate(c *command) error {
	if c.rewritten {
		metrics.RewrittenPropagationsTotal.WithLabelValues(c.name).Inc()
	}
	if err := e.aof.Write(persistence.FormatCommand(c.propName, c.propArgs...)); err != nil {
		return errors.Wrapf(err, "persistence error (AOF write failed) for %s", c.name)
	}
	if err := e.aof.Flush(); err != nil {
		return errors.Wrapf(err, "persistence error (AOF flush failed) for %s", c.name)
	}
	return nil
}

// outcome labels err for the commands metric.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch core.KindOf(err) {
	case core.KindNotAnInteger:
		return "not_an_integer"
	case core.KindNotAFloat:
		return "not_a_float"
	case core.KindOverflow:
		return "overflow"
	case core.KindFloatOverflow:
		return "float_overflow"
	case core.KindInvalidOffset:
		return "invalid_offset"
	case core.KindTooLarge:
		return "too_large"
	case core.KindTypeMismatch:
		return "type_mismatch"
	}
	if errors.Is(err, ErrSyntax) {
		return "syntax"
	}
	if errors.Is(err, ErrInvalidExpire) {
		return "invalid_expire"
	}
	return "error"
}

// logReplayFailure reports an AOF entry that could not be applied.
func logReplayFailure(cmd *persistence.Command, err error) {
	slog.Warn("skipping AOF command",
		"command", cmd.Name,
		"args", len(cmd.Args),
		"error", err,
	)
}

func upper(b []byte) string { return strings.ToUpper(string(b)) }
