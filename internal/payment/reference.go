package payment

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/noah-isme/hospital-opd/internal/hospitalapi"
)

// ReferenceSource is the remote payment reference service.
type ReferenceSource interface {
	RequestPaymentReference(ctx context.Context, q hospitalapi.ReferenceQuery) (*hospitalapi.ReferenceResponse, error)
}

// ReferenceRequester asks the server for a payment reference.
type ReferenceRequester struct {
	Source ReferenceSource
	Logger zerolog.Logger
}

// Request returns nil, nil when the server reports that no reference is
// available. A response missing any mandatory field fails with
// PAYMENT_REFERENCE_INCOMPLETE naming the field.
func (r ReferenceRequester) Request(ctx context.Context, intent Intent) (*Request, error) {
	resp, err := r.Source.RequestPaymentReference(ctx, hospitalapi.ReferenceQuery{
		MobileNumber:   intent.MobileNumber,
		Amount:         intent.Amount,
		PatientID:      intent.PatientID,
		PatientName:    intent.PatientName,
		BookingContext: intent.BookingContext(),
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || (resp.Response != nil && !*resp.Response) {
		msg := ""
		if resp != nil {
			msg = resp.Message
		}
		r.Logger.Info().Str("order_id", intent.OrderID).Str("message", msg).Msg("payment_reference_unavailable")
		return nil, nil
	}
	req, err := NewRequest(resp.APIEndPoint, resp.PayloadBase64, resp.Checksum, resp.MerchantTransactionID)
	if err != nil {
		r.Logger.Warn().Str("order_id", intent.OrderID).Err(err).Msg("payment_reference_incomplete")
		return nil, err
	}
	return &req, nil
}
