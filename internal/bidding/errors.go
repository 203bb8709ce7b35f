package bidding

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/auction-bidding/internal/model"
)

// Reason описывает причину отказа в ставке. Набор причин закрыт.
type Reason string

const (
	ReasonAuctionNotActive    Reason = "AUCTION_NOT_ACTIVE"
	ReasonAuctionEnded        Reason = "AUCTION_ENDED"
	ReasonAuctionNotStarted   Reason = "AUCTION_NOT_STARTED"
	ReasonBidTooLow           Reason = "BID_TOO_LOW"
	ReasonSelfBid             Reason = "SELF_BID"
	ReasonFraudDetected       Reason = "FRAUD_DETECTED"
	ReasonInsufficientDeposit Reason = "INSUFFICIENT_DEPOSIT"
	ReasonValidation          Reason = "VALIDATION_ERROR"
)

// Rejection описывает бизнес-отказ: ставка недопустима по текущим правилам. Состояние не меняется,
// система не повторяет попытку. Поля контекста позволяют клиенту исправить ставку.
type Rejection struct {
	Reason  Reason
	Message string

	Status       model.AuctionStatus
	CurrentPrice *decimal.Decimal
	MinimumBid   *decimal.Decimal

	// AlertTypes заполняется для FraudDetected.
	AlertTypes []string

	// RequiresAction и ClientSecret заполняются для InsufficientDeposit,
	// когда холд ждёт подтверждения пользователем.
	RequiresAction bool
	ClientSecret   string

	// Field заполняется для Validation.
	Field string
}

func (r *Rejection) Error() string {
	if r.Message == "" {
		return "bid rejected: " + string(r.Reason)
	}
	return fmt.Sprintf("bid rejected: %s: %s", r.Reason, r.Message)
}

// AsRejection извлекает Rejection из цепочки ошибок.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

var (
	// ErrConflict возвращается, когда конкурентная запись побеждала все повторы. Запрос можно повторить.
	ErrConflict = errors.New("bid conflicted with concurrent writers, retry")
	// ErrDependencyUnavailable возвращается, если антифрод или платёжный провайдер недоступны. Запрос можно повторить.
	ErrDependencyUnavailable = errors.New("dependency unavailable, retry")
	// ErrTimeout возвращается, если приём ставки не уложился в отведённое время. Запрос можно повторить.
	ErrTimeout = errors.New("bid submission timed out, retry")
)

// IsRetryable сообщает, что ошибка временная и клиент может повторить запрос.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrDependencyUnavailable) || errors.Is(err, ErrTimeout)
}

func validationError(field, message string) *Rejection {
	return &Rejection{Reason: ReasonValidation, Field: field, Message: message}
}
