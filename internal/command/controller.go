// Package command implements the local subprocess execution mode: instead of
// coordinating a worker fleet, it templates a capture command line and runs
// it as a child process. It satisfies the same acquisition-controller
// capability as the fleet manager and is selected once at startup.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/framectl/framectl/internal/controller"
)

// ErrBusy is returned when an execution is already in progress.
var ErrBusy = errors.New("command: execution already in progress")

// placeholderRe matches {name} and {name:default} template substitutions.
var placeholderRe = regexp.MustCompile(`^\{(\w+)(?::([^}]*))?\}$`)

type token struct {
	literal string
	arg     string // non-empty for placeholder tokens
}

// Controller templates and executes a local capture command. Each controller
// owns its bounded single-slot execution pool; nothing is shared across
// instances.
type Controller struct {
	template string
	tokens   []token
	timeout  time.Duration
	log      *zap.SugaredLogger

	slots chan struct{}

	mu          sync.Mutex
	args        map[string]string
	argNames    []string
	executing   bool
	cancel      context.CancelFunc
	returnCode  int
	hasRun      bool
	lastCommand string
	stdout      string
	stderr      string
	lastError   string
}

// New parses the command template, registering each {name:default}
// placeholder as a settable argument.
func New(template string, timeout time.Duration, log *zap.SugaredLogger) (*Controller, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	template = strings.ReplaceAll(template, "\n", " ")
	fields := strings.Fields(template)
	if len(fields) == 0 {
		return nil, errors.New("command: no command template specified")
	}

	c := &Controller{
		template: template,
		timeout:  timeout,
		log:      log,
		slots:    make(chan struct{}, 1),
		args:     map[string]string{},
	}
	c.slots <- struct{}{}

	for _, field := range fields {
		if m := placeholderRe.FindStringSubmatch(field); m != nil {
			c.tokens = append(c.tokens, token{arg: m[1]})
			c.args[m[1]] = m[2]
			c.argNames = append(c.argNames, m[1])
			continue
		}
		c.tokens = append(c.tokens, token{literal: field})
	}
	return c, nil
}

// ExecuteAcquisition runs the templated command to completion under the
// control timeout, capturing its return code and output.
func (c *Controller) ExecuteAcquisition() error {
	select {
	case <-c.slots:
	default:
		return ErrBusy
	}
	defer func() { c.slots <- struct{}{} }()

	argv := c.buildCommand()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	c.mu.Lock()
	c.executing = true
	c.cancel = cancel
	c.lastCommand = strings.Join(argv, " ")
	c.mu.Unlock()

	c.log.Infow("executing command", "command", strings.Join(argv, " "))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	c.mu.Lock()
	c.executing = false
	c.cancel = nil
	c.hasRun = true
	c.stdout = stdout.String()
	c.stderr = stderr.String()
	c.returnCode = -1
	if cmd.ProcessState != nil {
		c.returnCode = cmd.ProcessState.ExitCode()
	}
	c.lastError = ""
	if err != nil {
		c.lastError = err.Error()
	}
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("command: execute: %w", err)
	}
	return nil
}

// StopAcquisition kills a running command, if any.
func (c *Controller) StopAcquisition() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// IsExecuting reports whether the command is currently running.
func (c *Controller) IsExecuting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executing
}

// Close stops any running command.
func (c *Controller) Close() error {
	return c.StopAcquisition()
}

// Tree returns the controller's parameter leaves: the template, one settable
// leaf per templated argument, and the execution status fields.
func (c *Controller) Tree() controller.Tree {
	tree := controller.Tree{
		"cmd_template": {
			Get: func() (any, error) { return c.template, nil },
		},
		"status/executing": {
			Get: func() (any, error) { return c.IsExecuting(), nil },
		},
		"status/return_code": {
			Get: func() (any, error) { return c.statusField(func() any { return c.returnCode }), nil },
		},
		"status/last_command": {
			Get: func() (any, error) { return c.statusField(func() any { return c.lastCommand }), nil },
		},
		"status/stdout": {
			Get: func() (any, error) { return c.statusField(func() any { return c.stdout }), nil },
		},
		"status/stderr": {
			Get: func() (any, error) { return c.statusField(func() any { return c.stderr }), nil },
		},
		"status/exception": {
			Get: func() (any, error) { return c.statusField(func() any { return c.lastError }), nil },
		},
	}
	for _, name := range c.argNames {
		name := name
		tree["args/"+name] = controller.Leaf{
			Get: func() (any, error) {
				c.mu.Lock()
				defer c.mu.Unlock()
				return c.args[name], nil
			},
			Set: func(value any) error {
				c.mu.Lock()
				defer c.mu.Unlock()
				c.args[name] = fmt.Sprint(value)
				c.log.Debugw("setting command argument", "arg", name, "value", value)
				return nil
			},
		}
	}
	return tree
}

func (c *Controller) buildCommand() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	argv := make([]string, 0, len(c.tokens))
	for _, t := range c.tokens {
		if t.arg != "" {
			argv = append(argv, c.args[t.arg])
			continue
		}
		argv = append(argv, t.literal)
	}
	return argv
}

func (c *Controller) statusField(get func() any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return get()
}

var _ controller.AcquisitionController = (*Controller)(nil)
