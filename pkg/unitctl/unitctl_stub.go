//go:build !linux

package unitctl

import "context"

type Controller struct{}

func New() *Controller { return &Controller{} }

func (c *Controller) Do(context.Context, Op, string) error { return ErrUnsupported }

func (c *Controller) Close() error { return nil }
