package dimse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/suyashkumar/dicom"
)

// CFindRequest represents a C-FIND request
type CFindRequest struct {
	// SOPClassUID selects the information model, Study Root by default
	SOPClassUID string
	Priority    uint16
	Identifier  *dicom.Dataset
	// Timeout bounds the whole exchange; the association timeout by default
	Timeout time.Duration
}

// CFindResponse represents a completed C-FIND
type CFindResponse struct {
	Status  Status
	Results []*dicom.Dataset
}

// CFind performs a C-FIND operation and collects every match
func (a *Association) CFind(ctx context.Context, req CFindRequest) (*CFindResponse, error) {
	response := &CFindResponse{Results: make([]*dicom.Dataset, 0)}
	status, err := a.CFindStream(ctx, req, func(ds *dicom.Dataset) {
		response.Results = append(response.Results, ds)
	})
	response.Status = status
	if err != nil {
		return nil, err
	}
	return response, nil
}

// CFindStream performs a C-FIND operation, calling onResult for every
// pending match as it arrives. onResult runs on the association's read loop.
// When ctx ends first a C-CANCEL-RQ is sent and the peer's final response
// is still awaited.
func (a *Association) CFindStream(ctx context.Context, req CFindRequest, onResult func(*dicom.Dataset)) (Status, error) {
	sopClass := req.SOPClassUID
	if sopClass == "" {
		sopClass = StudyRootQueryRetrieveFind
	}
	pc, err := a.ContextFor(sopClass)
	if err != nil {
		return StatusProcessingFailure, err
	}
	if req.Identifier == nil {
		return StatusProcessingFailure, errors.New("C-FIND requires an identifier")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = a.config.Timeout
	}

	c := NewCorrelator(func(rsp *Response) {
		if !rsp.Final && rsp.Data() != nil && onResult != nil {
			onResult(rsp.Data())
		}
	})
	id := a.SendRequest(pc, &Message{CommandField: CFindRQ, Priority: req.Priority}, req.Identifier, c, timeout)

	select {
	case <-c.Done():
	case <-ctx.Done():
		if id != 0 && !c.Terminated() {
			if err := a.Cancel(pc, id); err != nil {
				a.logger.Warn().Err(err).Uint16("message_id", id).Msg("Failed to send C-FIND cancel")
			}
		}
		<-c.Done()
	}

	rsp, _ := c.Wait(context.Background())
	if rsp.Outcome != OutcomeResponse {
		return StatusProcessingFailure, fmt.Errorf("C-FIND failed: %w", rsp.Err)
	}

	status := rsp.Status()
	switch status.Kind() {
	case KindSuccess:
		return status, nil
	case KindCancel:
		if ctx.Err() != nil {
			return status, ctx.Err()
		}
		return status, rsp.Err
	case KindWarning:
		return status, rsp.Err
	default:
		return status, fmt.Errorf("C-FIND failed: %w", rsp.Err)
	}
}
