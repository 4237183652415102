package hospitalapi

import (
	"context"
	"net/url"
	"strconv"
)

// BookingInput is the booking commit request.
type BookingInput struct {
	MobileNumber  string
	PatientID     string
	PatientName   string
	Amount        int64
	TransactionID string
	PaymentID     string
	Status        string
	Message       string
	BookingContext
}

// BookingResponse is the booking commit answer.
type BookingResponse struct {
	Response      bool   `json:"response"`
	Message       string `json:"message"`
	OpdID         Text   `json:"opdId,omitempty"`
	OpdDate       string `json:"opdDate,omitempty"`
	TokenNumber   Text   `json:"tokenNumber,omitempty"`
	EstimatedTime string `json:"estimatedTime,omitempty"`
}

// CommitBooking records a paid OPD appointment.
func (c *Client) CommitBooking(ctx context.Context, in BookingInput) (BookingResponse, error) {
	form := url.Values{}
	form.Set("mobile_number", in.MobileNumber)
	form.Set("patient_id", in.PatientID)
	form.Set("patient_name", in.PatientName)
	form.Set("amount", strconv.FormatInt(in.Amount, 10))
	form.Set("transaction_id", in.TransactionID)
	form.Set("payment_id", in.PaymentID)
	form.Set("status", in.Status)
	form.Set("message", in.Message)
	in.BookingContext.apply(form)

	var out BookingResponse
	found, err := c.postForm(ctx, PathBooking, form, &out)
	if err != nil {
		return BookingResponse{}, err
	}
	if !found {
		return BookingResponse{}, nil
	}
	return out, nil
}
