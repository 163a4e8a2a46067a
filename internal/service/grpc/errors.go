package grpcsvc

import (
	"context"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
)

// FailureClassTrailer — trailer с классом отказа: клиент по нему решает, можно ли повторить запрос.
const FailureClassTrailer = "x-failure-class"

// toStatus переводит доменную ошибку в gRPC-статус.
func toStatus(err error) *status.Status {
	if err == nil {
		return nil
	}
	if s, ok := status.FromError(err); ok {
		return s
	}

	var fieldErr domain.ValidationError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	case domain.IsValidation(err):
		if errors.As(err, &fieldErr) {
			return status.New(codes.InvalidArgument, fieldErr.Error())
		}
		return status.New(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrSenderNotFound), errors.Is(err, domain.ErrVendorNotFound), domain.IsNotFound(err):
		return status.New(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrNoInventory):
		return status.New(codes.ResourceExhausted, err.Error())
	case errors.Is(err, domain.ErrNeedsAttention):
		return status.New(codes.Internal, "needs attention: "+err.Error())
	case errors.Is(err, domain.ErrPaymentDeclined), errors.Is(err, domain.ErrPaymentTimeout),
		errors.Is(err, domain.ErrNoPaymentMethod), errors.Is(err, domain.ErrJobState):
		return status.New(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrIdempotencyHashMismatch), errors.Is(err, domain.ErrDuplicateCode),
		errors.Is(err, domain.ErrJobExists):
		return status.New(codes.AlreadyExists, err.Error())
	case errors.Is(err, domain.ErrIdempotencyInProgress):
		return status.New(codes.Aborted, err.Error())
	default:
		return status.New(codes.Internal, "internal error")
	}
}

// respond пишет trailer с классом отказа и переводит ошибку в статус.
func (s *Service) respond(ctx context.Context, method string, err error) error {
	if err == nil {
		return nil
	}
	class := domain.Classify(err)
	_ = grpc.SetTrailer(ctx, metadata.Pairs(FailureClassTrailer, string(class)))

	st := toStatus(err)
	entry := s.logger.WithError(err).WithFields(log.Fields{"method": method, "code": st.Code().String(), "class": class})
	if st.Code() == codes.Internal {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	return st.Err()
}
