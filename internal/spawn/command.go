package spawn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"triggerd/internal/storage"
	logx "triggerd/pkg/logx"
)

const (
	defaultShell     = "/bin/sh"
	defaultMaxOutput = 1 << 20
	defaultWaitDelay = 2 * time.Second
)

// Environment handed to every command.
const (
	EnvInstruction = "TRIGGERD_INSTRUCTION"
	EnvUnitID      = "TRIGGERD_UNIT_ID"
	EnvSessionName = "TRIGGERD_SESSION_NAME"
	EnvContext     = "TRIGGERD_CONTEXT"
	EnvBackground  = "TRIGGERD_BACKGROUND"
)

// CommandConfig configures CommandService.
type CommandConfig struct {
	Shell     string        // default /bin/sh
	Dir       string        // working directory; empty means current
	Env       []string      // extra KEY=VALUE pairs
	MaxOutput int           // stdout cap in bytes (default 1 MiB)
	WaitDelay time.Duration // grace for pipes after cancel (default 2s)
}

// CommandService runs the request target as a shell command.
//
// The instruction is written to stdin and exported as TRIGGERD_INSTRUCTION;
// stdout becomes the output. Inherited context (see ContextMessages) is
// exported as JSON in TRIGGERD_CONTEXT. When Options.Store is set the
// transcript is saved under the unit id.
type CommandService struct {
	cfg CommandConfig
	log logx.Logger
}

var _ Service = (*CommandService)(nil)

func NewCommandService(cfg CommandConfig, log logx.Logger) *CommandService {
	if strings.TrimSpace(cfg.Shell) == "" {
		cfg.Shell = defaultShell
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = defaultMaxOutput
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandService{cfg: cfg, log: log.With(logx.String("comp", "spawn.command"))}
}

func (s *CommandService) Spawn(ctx context.Context, req Request) (Result, error) {
	target := strings.TrimSpace(req.Target)
	if target == "" {
		return Result{}, errors.New("spawn: empty target")
	}
	if err := req.Options.Validate(); err != nil {
		return Result{}, err
	}
	opts := req.Options.withDefaults()

	unitID := opts.Name
	if unitID == "" {
		unitID = uuid.NewString()
	}
	prior, err := s.loadPrior(ctx, opts)
	if err != nil {
		return Result{}, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	env, err := s.environ(req, opts, unitID, ContextMessages(prior, opts.ContextDepth, opts.ContextScope, opts.ContextTurns))
	if err != nil {
		return Result{}, err
	}

	stdout := &cappedBuffer{max: s.cfg.MaxOutput}
	var stderr cappedBuffer
	stderr.max = 4096

	cmd := exec.CommandContext(ctx, s.cfg.Shell, "-c", target)
	cmd.Dir = s.cfg.Dir
	cmd.Env = env
	cmd.Stdin = strings.NewReader(req.Instruction)
	cmd.Stdout = stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = s.cfg.WaitDelay

	start := time.Now()
	runErr := cmd.Run()
	took := time.Since(start)
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, fmt.Errorf("command %q: %w", target, ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return Result{}, fmt.Errorf("command %q: %w: %s", target, runErr, msg)
		}
		return Result{}, fmt.Errorf("command %q: %w", target, runErr)
	}

	output := strings.TrimRight(stdout.String(), "\n")
	if stdout.truncated {
		s.log.Warn("command output truncated", logx.String("unit", unitID), logx.Int("max", s.cfg.MaxOutput))
	}
	s.log.Debug("command finished", logx.String("unit", unitID), logx.Duration("took", took))

	if opts.Store != nil {
		sess := storage.Session{
			ID: unitID,
			Transcript: append(prior,
				storage.Message{Role: "user", Content: req.Instruction},
				storage.Message{Role: "assistant", Content: output},
			),
			Metadata: map[string]any{
				"target":     target,
				"took_ms":    took.Milliseconds(),
				"background": opts.Background,
				"truncated":  stdout.truncated,
			},
		}
		if err := opts.Store.Save(ctx, sess); err != nil {
			s.log.Warn("session save failed", logx.String("unit", unitID), logx.Err(err))
		}
	}

	return Result{Output: output, UnitID: unitID, WorkCount: 1}, nil
}

// loadPrior returns the transcript saved under a named unit, if any.
func (s *CommandService) loadPrior(ctx context.Context, opts Options) ([]storage.Message, error) {
	if opts.Store == nil || opts.Name == "" {
		return nil, nil
	}
	ok, err := opts.Store.Exists(ctx, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("spawn: session lookup %s: %w", opts.Name, err)
	}
	if !ok {
		return nil, nil
	}
	sess, err := opts.Store.Load(ctx, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("spawn: session load %s: %w", opts.Name, err)
	}
	return sess.Transcript, nil
}

func (s *CommandService) environ(req Request, opts Options, unitID string, inherited []storage.Message) ([]string, error) {
	env := append(os.Environ(), s.cfg.Env...)
	env = append(env,
		EnvInstruction+"="+req.Instruction,
		EnvUnitID+"="+unitID,
	)
	if opts.Name != "" {
		env = append(env, EnvSessionName+"="+opts.Name)
	}
	if opts.Background {
		env = append(env, EnvBackground+"=1")
	}
	if len(inherited) > 0 {
		b, err := json.Marshal(inherited)
		if err != nil {
			return nil, err
		}
		env = append(env, EnvContext+"="+string(b))
	}
	return env, nil
}

// cappedBuffer keeps the first max bytes and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string { return b.buf.String() }
