package handler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Bigsy/mcpkit/internal/logging"
)

// Guard is a precondition checked before a handler executes. It returns
// ok=true to pass, or ok=false with a human-readable reason that becomes
// the rejection message.
type Guard func(ctx context.Context) (ok bool, reason string)

// Option declares a named handler option with a default and an optional
// required flag. Missing required options fail handler construction.
type Option struct {
	Name     string
	Default  any
	Required bool
}

// Config declares the static behavior of a handler: its guard chain, its
// options, and its lifecycle hooks. Hooks observe; they never mutate the
// result.
type Config struct {
	Name    string
	Guards  []Guard
	Options []Option
	Timeout time.Duration // applied to deferred responses

	BeforeExecute func()
	AfterExecute  func(Result, error)
}

// Runner wraps a handler's execute function with the guard chain, the
// hooks, option resolution, logging, and panic conversion.
type Runner struct {
	cfg    Config
	values map[string]any
	logger *slog.Logger
}

// NewRunner validates the option values against the declaration and
// returns a runner. Values not declared as options are rejected.
func NewRunner(cfg Config, values map[string]any) (*Runner, error) {
	resolved := make(map[string]any, len(cfg.Options))
	declared := make(map[string]bool, len(cfg.Options))
	for _, opt := range cfg.Options {
		declared[opt.Name] = true
		if v, ok := values[opt.Name]; ok {
			resolved[opt.Name] = v
			continue
		}
		if opt.Required {
			return nil, fmt.Errorf("handler %s: required option %q not set", cfg.Name, opt.Name)
		}
		resolved[opt.Name] = opt.Default
	}
	for name := range values {
		if !declared[name] {
			return nil, fmt.Errorf("handler %s: unknown option %q", cfg.Name, name)
		}
	}
	return &Runner{
		cfg:    cfg,
		values: resolved,
		logger: logging.Get().With("handler", cfg.Name),
	}, nil
}

// Option returns the resolved value of a declared option.
func (r *Runner) Option(name string) any {
	return r.values[name]
}

// Timeout returns the declared deferred-response timeout.
func (r *Runner) Timeout() time.Duration {
	return r.cfg.Timeout
}

// Run executes the handler body under the runtime rules:
//
//  1. Guards run in declaration order; the first failure short-circuits
//     with rejectWith(reason).
//  2. BeforeExecute and AfterExecute hooks run around the body, the
//     latter even on failure.
//  3. A panic or error from the body is logged and converted to
//     rejectWith with a generic message.
//  4. A deferred result gets the configured timeout armed.
func (r *Runner) Run(ctx context.Context, execute func(ctx context.Context) (Result, error), rejectWith func(reason string) Result) (result Result) {
	r.logger.Debug("handler start")
	defer r.logger.Debug("handler end")

	for _, guard := range r.cfg.Guards {
		ok, reason := guard(ctx)
		if !ok {
			if reason == "" {
				reason = "guard rejected request"
			}
			r.logger.Debug("guard rejected", "reason", reason)
			return rejectWith(reason)
		}
	}

	if r.cfg.BeforeExecute != nil {
		r.cfg.BeforeExecute()
	}

	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("handler panic: %v", rec)
			}
		}()
		result, err = execute(ctx)
	}()

	if r.cfg.AfterExecute != nil {
		r.cfg.AfterExecute(result, err)
	}

	if err != nil {
		r.logger.Error("handler failed", "error", err)
		return rejectWith("handler error")
	}
	if result == nil {
		r.logger.Error("handler returned no result")
		return rejectWith("handler error")
	}

	if async := result.Deferred(); async != nil && r.cfg.Timeout > 0 {
		async.StartTimeout(r.cfg.Timeout)
	}
	return result
}
