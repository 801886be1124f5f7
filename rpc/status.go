package rpc

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/teranos/tally/errors"
)

var codeMarks = []struct {
	code codes.Code
	mark error
}{
	{codes.NotFound, errors.ErrNotFound},
	{codes.FailedPrecondition, errors.ErrNotReady},
	{codes.Aborted, errors.ErrIngestionAborted},
	{codes.Unavailable, errors.ErrSubmissionFailure},
	{codes.InvalidArgument, errors.ErrInvalidRequest},
	{codes.AlreadyExists, errors.ErrConflict},
}

// StatusError converts a domain error into a gRPC status error
func StatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, cm := range codeMarks {
		if errors.Is(err, cm.mark) {
			return status.Error(cm.code, err.Error())
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// DomainError converts a gRPC status error back into an error marked with
// the matching domain sentinel, so callers can test it with errors.Is
func DomainError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, cm := range codeMarks {
		if st.Code() == cm.code {
			return errors.Mark(errors.New(st.Message()), cm.mark)
		}
	}
	return err
}
