package backend

import (
	"context"
	"errors"
	"syscall"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ToErrno maps a provider error onto the POSIX code surfaced to the
// kernel. Native errnos pass through, gRPC transport statuses are
// translated, and anything opaque becomes EIO.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	if errors.Is(err, context.Canceled) {
		return syscall.EINTR
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return syscall.ETIMEDOUT
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.NotFound:
			return syscall.ENOENT
		case codes.AlreadyExists:
			return syscall.EEXIST
		case codes.PermissionDenied:
			return syscall.EACCES
		case codes.InvalidArgument:
			return syscall.EINVAL
		case codes.ResourceExhausted:
			return syscall.ENOSPC
		case codes.FailedPrecondition:
			return syscall.ENOTEMPTY
		case codes.Unimplemented:
			return syscall.ENOSYS
		case codes.DeadlineExceeded:
			return syscall.ETIMEDOUT
		case codes.Canceled:
			return syscall.EINTR
		}
	}
	return syscall.EIO
}

// ToStatus maps a provider error onto a gRPC status for the transport.
// The inverse of ToErrno, used by the serving side.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return status.Error(codes.Unknown, err.Error())
	}
	var code codes.Code
	switch errno {
	case syscall.ENOENT:
		code = codes.NotFound
	case syscall.EEXIST:
		code = codes.AlreadyExists
	case syscall.EACCES, syscall.EPERM:
		code = codes.PermissionDenied
	case syscall.EINVAL:
		code = codes.InvalidArgument
	case syscall.ENOSPC:
		code = codes.ResourceExhausted
	case syscall.ENOTEMPTY:
		code = codes.FailedPrecondition
	case syscall.ENOSYS:
		code = codes.Unimplemented
	default:
		code = codes.Unknown
	}
	return status.Error(code, errno.Error())
}
