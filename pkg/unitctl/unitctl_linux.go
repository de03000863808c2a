//go:build linux

package unitctl

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Controller holds one lazily dialed system bus connection.
type Controller struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

func New() *Controller { return &Controller{} }

func (c *Controller) connLocked(ctx context.Context) (*dbus.Conn, error) {
	if c.conn != nil && c.conn.Connected() {
		return c.conn, nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	c.conn = conn
	return conn, nil
}

// Do runs op on unit and waits for the systemd job to finish. A job result
// other than "done" is an error.
func (c *Controller) Do(ctx context.Context, op Op, unit string) error {
	name := UnitName(unit)
	if name == "" {
		return fmt.Errorf("unit name required")
	}

	c.mu.Lock()
	conn, err := c.connLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	result := make(chan string, 1)
	switch op {
	case OpStart:
		_, err = conn.StartUnitContext(ctx, name, "replace", result)
	case OpStop:
		_, err = conn.StopUnitContext(ctx, name, "replace", result)
	case OpRestart:
		_, err = conn.RestartUnitContext(ctx, name, "replace", result)
	default:
		return fmt.Errorf("unknown unit op %q", op)
	}
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", op, name, err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%s %s: %w", op, name, ctx.Err())
	case r := <-result:
		if r != "done" {
			return fmt.Errorf("%s %s: job %s", op, name, r)
		}
		return nil
	}
}

func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}
