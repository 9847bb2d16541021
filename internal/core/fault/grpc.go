package fault

import (
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FromGRPC classifies an error returned by a gRPC client call. Status codes
// map onto kinds, and a RetryInfo detail becomes the RetryAfter hint.
func FromGRPC(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		switch KindOf(err) {
		case Canceled:
			return New(Canceled, op, err)
		case Timeout:
			return New(Timeout, op, err)
		}
		return New(Unknown, op, err)
	}
	fe := New(kindFromCode(st.Code()), op, err)
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.RetryInfo); ok {
			fe.RetryAfter = info.GetRetryDelay().AsDuration()
		}
	}
	return fe
}

func kindFromCode(code codes.Code) Kind {
	switch code {
	case codes.OK:
		return Unknown
	case codes.Canceled:
		return Canceled
	case codes.DeadlineExceeded:
		return Timeout
	case codes.Unavailable:
		return Unavailable
	case codes.ResourceExhausted:
		return RateLimited
	case codes.Aborted:
		return Transient
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange, codes.Unimplemented:
		return Invalid
	case codes.NotFound:
		return NotFound
	case codes.AlreadyExists:
		return Conflict
	case codes.PermissionDenied, codes.Unauthenticated:
		return Unauthorized
	case codes.Internal, codes.DataLoss:
		return Internal
	default:
		return Unknown
	}
}
