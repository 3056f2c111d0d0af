package flash

import (
	"context"
	"errors"
	"fmt"
)

// RunRequest drives a session from PREPARING to a terminal stage.
type RunRequest struct {
	// Backup is the device image to store. Nil reads it from the device.
	Backup          []byte
	PreChecks       PreCheckInput
	Actor           string
	ForceRevalidate bool
}

// Run performs backup, validation, pre-checks and the flash in order and
// stops at the first error. The returned status reflects the last commit.
func (e *Engine) Run(ctx context.Context, id string, req RunRequest) (*Status, error) {
	err := e.run(ctx, id, req)
	st, serr := e.Status(id)
	if serr != nil {
		return nil, errors.Join(err, serr)
	}
	return st, err
}

func (e *Engine) run(ctx context.Context, id string, req RunRequest) error {
	image := req.Backup
	if image == nil {
		st, err := e.Status(id)
		if err != nil {
			return err
		}
		image, err = e.transport.ReadImage(ctx, st.Device.ID)
		if err != nil {
			cause := fmt.Errorf("read device image: %w", err)
			return errors.Join(cause, e.AdvanceStage(ctx, id, StageFailed, -1, map[string]any{"error": cause.Error()}))
		}
	}

	if err := e.Backup(ctx, id, image); err != nil {
		return err
	}
	if _, err := e.Validate(ctx, id, req.Actor, req.ForceRevalidate); err != nil {
		return err
	}
	in := req.PreChecks
	if in.Actor == "" {
		in.Actor = req.Actor
	}
	if _, err := e.RunPreChecks(ctx, id, in); err != nil {
		return err
	}
	return e.Flash(ctx, id)
}
