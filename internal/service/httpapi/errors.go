package httpapi

import (
	"errors"
	"net/http"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/saga"
)

type compensationResponse struct {
	Step     string `json:"step"`
	ItemID   string `json:"item_id,omitempty"`
	Quantity int64  `json:"quantity,omitempty"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

type errorBody struct {
	Error string           `json:"error"`
	Kind  domain.ErrorKind `json:"kind"`

	// поля отчёта checkout
	AttemptID          string                 `json:"attempt_id,omitempty"`
	State              string                 `json:"state,omitempty"`
	FailedStep         string                 `json:"failed_step,omitempty"`
	Compensations      []compensationResponse `json:"compensations,omitempty"`
	CompensationFailed bool                   `json:"compensation_failed,omitempty"`
}

// statusFor выбирает HTTP-статус по классу ошибки.
func statusFor(err error) int {
	// оплаченный заказ клиент менять не может: это ошибка запроса, а не гонка
	if errors.Is(err, domain.ErrAlreadyPaid) && !errors.Is(err, domain.ErrCompensation) {
		return http.StatusBadRequest
	}
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindValidation, domain.KindRemoteRejected:
		return http.StatusBadRequest
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindRemoteUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(err error) (int, errorBody) {
	body := errorBody{Error: err.Error(), Kind: domain.KindOf(err)}

	var report *saga.CheckoutError
	if errors.As(err, &report) {
		body.AttemptID = report.AttemptID
		body.State = string(report.State)
		body.FailedStep = string(report.FailedStep)
		body.CompensationFailed = report.CompensationFailed()
		for _, rec := range report.Compensations {
			body.Compensations = append(body.Compensations, compensationResponse{
				Step:     string(rec.Step),
				ItemID:   rec.ItemID,
				Quantity: rec.Quantity,
				OK:       rec.OK(),
				Error:    rec.Error,
			})
		}
	}
	return statusFor(err), body
}
