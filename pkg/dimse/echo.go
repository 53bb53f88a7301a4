package dimse

import (
	"context"
	"fmt"
)

// CEcho performs a C-ECHO operation (DICOM ping)
func (a *Association) CEcho(ctx context.Context) error {
	pc, err := a.ContextFor(VerificationSOPClass)
	if err != nil {
		return err
	}

	c := NewCorrelator(nil)
	a.SendRequest(pc, &Message{CommandField: CEchoRQ}, nil, c, a.config.Timeout)

	rsp, err := c.Wait(ctx)
	if err != nil {
		return err
	}
	if rsp.Err != nil {
		return fmt.Errorf("C-ECHO failed: %w", rsp.Err)
	}
	return nil
}
