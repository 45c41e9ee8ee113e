// Package publisher provides engine.Publisher implementations.
package publisher

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/postpace/postpace/internal/core/engine"
)

// DryRun logs every action instead of performing it and returns synthetic ids.
type DryRun struct {
	Logger engine.Logger

	calls atomic.Int64
}

var _ engine.Publisher = (*DryRun)(nil)

// NewDryRun returns a DryRun publisher writing to logger.
func NewDryRun(logger engine.Logger) *DryRun {
	return &DryRun{Logger: logger}
}

func (d *DryRun) Post(ctx context.Context, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := "dryrun-" + uuid.NewString()
	d.log("post", zap.String("remote_id", id), zap.Int("content_length", len(content)))
	return id, nil
}

func (d *DryRun) Like(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.log("like", zap.String("target", target))
	return nil
}

func (d *DryRun) Follow(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.log("follow", zap.String("target", target))
	return nil
}

func (d *DryRun) DirectMessage(ctx context.Context, target, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.log("dm", zap.String("target", target), zap.Int("content_length", len(content)))
	return nil
}

// Calls returns how many actions were accepted.
func (d *DryRun) Calls() int64 {
	return d.calls.Load()
}

func (d *DryRun) log(action string, fields ...zap.Field) {
	d.calls.Add(1)
	if d.Logger == nil {
		return
	}
	d.Logger.Info("Dry-run publish", append([]zap.Field{zap.String("action", action)}, fields...)...)
}
