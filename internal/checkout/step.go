// Package checkout реализует клиентскую машину состояний оформления заказа:
// просмотр корзины, данные доставки, оплата и подтверждение.
package checkout

import "errors"

// Step задаёт шаг оформления. Множество шагов закрыто.
type Step int

const (
	StepReview Step = iota
	StepDetails
	StepPayment
	StepConfirmation
)

func (s Step) String() string {
	switch s {
	case StepReview:
		return "review"
	case StepDetails:
		return "details"
	case StepPayment:
		return "payment"
	case StepConfirmation:
		return "confirmation"
	default:
		return "unknown"
	}
}

// Move задаёт направление перехода.
type Move int

const (
	MoveForward Move = iota
	MoveBack
)

// ErrNoTransition означает, что переход из текущего шага в этом направлении не определён.
var ErrNoTransition = errors.New("checkout transition is not allowed")

// Transition возвращает следующий шаг. Выход вперёд из Payment выполняет только Submit,
// из Confirmation переходов нет.
func Transition(from Step, move Move) (Step, error) {
	switch move {
	case MoveForward:
		switch from {
		case StepReview:
			return StepDetails, nil
		case StepDetails:
			return StepPayment, nil
		}
	case MoveBack:
		switch from {
		case StepDetails:
			return StepReview, nil
		case StepPayment:
			return StepDetails, nil
		}
	}
	return from, ErrNoTransition
}
