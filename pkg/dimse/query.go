package dimse

import (
	"context"
	"errors"
	"iter"

	"github.com/suyashkumar/dicom"
)

// runOperation drives op to exactly one terminal response: a Pending
// response per result, then Cancel when the peer cancelled, the producer's
// failure status, or Success. It returns the terminal status and whether it
// was written; nothing is written once the association is gone.
func runOperation(ctx context.Context, as *Association, pc *PresentationContext, req *Message, op Operation) (Status, bool) {
	cancelled := func() bool { return errors.Is(context.Cause(ctx), ErrCancelRequested) }
	terminal := func(status Status, comment string) (Status, bool) {
		rsp := responseFor(req, status)
		rsp.ErrorComment = truncateComment(comment)
		if err := as.SendResponse(pc, rsp); err != nil {
			as.logger.Debug().Err(err).Msg("Failed to send final response")
			return status, false
		}
		return status, true
	}

	if op != nil {
		for ds, err := range op.Results(ctx) {
			if ctx.Err() != nil {
				break
			}
			if err != nil {
				return terminal(StatusOf(err, StatusUnableToProcess), errorComment(err))
			}

			rsp := responseFor(req, StatusPending)
			rsp.Data = ds
			if err := as.SendResponse(pc, rsp); err != nil {
				as.logger.Debug().Err(err).Msg("Failed to send pending response")
				return StatusPending, false
			}
		}
	}

	switch {
	case cancelled():
		return terminal(StatusCancel, "")
	case ctx.Err() != nil:
		return StatusProcessingFailure, false
	default:
		return terminal(StatusSuccess, "")
	}
}

// SliceOperation yields a fixed list of results
func SliceOperation(results []*dicom.Dataset) Operation {
	return OperationFunc(func(ctx context.Context) iter.Seq2[*dicom.Dataset, error] {
		return func(yield func(*dicom.Dataset, error) bool) {
			for _, ds := range results {
				if ctx.Err() != nil {
					return
				}
				if !yield(ds, nil) {
					return
				}
			}
		}
	})
}
