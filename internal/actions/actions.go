// Package actions builds scheduler actions from config definitions.
package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"tickd/internal/timedtask"
	logx "tickd/pkg/logx"
	"tickd/pkg/unitctl"
)

const (
	KindLog     = "log"
	KindHTTP    = "http"
	KindExec    = "exec"
	KindSystemd = "systemd"
)

// maxOutput caps captured exec output included in errors.
const maxOutput = 512

// Spec describes one action.
type Spec struct {
	Kind    string
	Message string

	URL     string
	Method  string
	Headers map[string]string
	Body    string

	Command []string
	Dir     string

	Unit string
	Op   string

	// Timeout bounds a single http/exec/systemd run. 0 means no bound.
	Timeout time.Duration
}

// Validate checks the spec without building it.
func (s Spec) Validate() error {
	switch strings.ToLower(strings.TrimSpace(s.Kind)) {
	case KindLog:
		return nil
	case KindHTTP:
		if strings.TrimSpace(s.URL) == "" {
			return errors.New("http action: url required")
		}
		return nil
	case KindExec:
		if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
			return errors.New("exec action: command required")
		}
		return nil
	case KindSystemd:
		if strings.TrimSpace(s.Unit) == "" {
			return errors.New("systemd action: unit required")
		}
		_, err := unitctl.ParseOp(s.Op)
		return err
	case "":
		return errors.New("action kind required")
	default:
		return fmt.Errorf("unknown action kind %q", s.Kind)
	}
}

// Builder turns specs into actions. The zero value is not usable; use New.
type Builder struct {
	log   logx.Logger
	rest  *resty.Client
	units *unitctl.Controller
}

func New(log logx.Logger) *Builder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Builder{log: log, rest: resty.New(), units: unitctl.New()}
}

// Close releases the shared systemd connection, if one was dialed.
func (b *Builder) Close() error { return b.units.Close() }

// Build returns the action for spec. name labels log lines.
func (b *Builder) Build(name string, spec Spec) (timedtask.Action, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("task %s: %w", name, err)
	}
	log := b.log.With(logx.String("task", name))
	switch strings.ToLower(strings.TrimSpace(spec.Kind)) {
	case KindLog:
		return logAction(log, spec), nil
	case KindHTTP:
		return httpAction(b.rest, log, spec), nil
	case KindSystemd:
		return systemdAction(b.units, log, spec), nil
	default:
		return execAction(log, spec), nil
	}
}

func logAction(log logx.Logger, spec Spec) timedtask.Action {
	msg := spec.Message
	if strings.TrimSpace(msg) == "" {
		msg = "tick"
	}
	return func(context.Context) error {
		log.Info(msg)
		return nil
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func httpAction(client *resty.Client, log logx.Logger, spec Spec) timedtask.Action {
	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if method == "" {
		method = http.MethodGet
	}
	return func(ctx context.Context) error {
		ctx, cancel := withTimeout(ctx, spec.Timeout)
		defer cancel()

		req := client.R().SetContext(ctx).SetHeaders(spec.Headers)
		if spec.Body != "" {
			req.SetBody(spec.Body)
		}
		start := time.Now()
		resp, err := req.Execute(method, spec.URL)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, spec.URL, err)
		}
		if resp.IsError() {
			return fmt.Errorf("%s %s: unexpected status %s", method, spec.URL, resp.Status())
		}
		log.Debug("http action ok",
			logx.String("method", method),
			logx.String("url", spec.URL),
			logx.Int("status", resp.StatusCode()),
			logx.Duration("took", time.Since(start)),
		)
		return nil
	}
}

func execAction(log logx.Logger, spec Spec) timedtask.Action {
	argv := append([]string(nil), spec.Command...)
	return func(ctx context.Context) error {
		ctx, cancel := withTimeout(ctx, spec.Timeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = spec.Dir
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		start := time.Now()
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("exec %s: %w: %s", argv[0], err, truncate(strings.TrimSpace(out.String()), maxOutput))
		}
		log.Debug("exec action ok", logx.String("cmd", argv[0]), logx.Duration("took", time.Since(start)))
		return nil
	}
}

func systemdAction(units *unitctl.Controller, log logx.Logger, spec Spec) timedtask.Action {
	op, _ := unitctl.ParseOp(spec.Op)
	unit := unitctl.UnitName(spec.Unit)
	return func(ctx context.Context) error {
		ctx, cancel := withTimeout(ctx, spec.Timeout)
		defer cancel()

		start := time.Now()
		if err := units.Do(ctx, op, unit); err != nil {
			return err
		}
		log.Info("unit action ok", logx.String("op", string(op)), logx.String("unit", unit), logx.Duration("took", time.Since(start)))
		return nil
	}
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
