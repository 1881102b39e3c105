package service

import (
	"fmt"

	"github.com/punchamoorthee/starledger/internal/domain"
)

type party uint8

const (
	partyResident party = 1 << iota
	partyProvider
	partyAdmin
)

// leg is the ledger work a transition needs before the booking is written.
type leg int

const (
	legNone leg = iota
	legRefund
	legSettle
)

type transition struct {
	from, to domain.BookingStatus
}

type rule struct {
	allowed party
	leg     leg
}

var bookingTransitions = map[transition]rule{
	{domain.BookingPending, domain.BookingConfirmed}:    {partyProvider | partyAdmin, legNone},
	{domain.BookingConfirmed, domain.BookingInProgress}: {partyProvider | partyAdmin, legNone},
	{domain.BookingInProgress, domain.BookingCompleted}: {partyProvider | partyAdmin, legSettle},
	{domain.BookingPending, domain.BookingCancelled}:    {partyResident | partyProvider | partyAdmin, legRefund},
	{domain.BookingConfirmed, domain.BookingCancelled}:  {partyResident | partyProvider | partyAdmin, legRefund},
	{domain.BookingInProgress, domain.BookingCancelled}: {partyAdmin, legRefund},
}

func partiesOf(b domain.Booking, actor domain.Actor) party {
	var p party
	if actor.UserID != "" && actor.UserID == b.ResidentID {
		p |= partyResident
	}
	if actor.UserID != "" && actor.UserID == b.ServiceProviderID {
		p |= partyProvider
	}
	if actor.IsAdmin() {
		p |= partyAdmin
	}
	return p
}

// authorize checks that actor may move b to next and returns the ledger work
// that transition requires.
func authorize(b domain.Booking, actor domain.Actor, next domain.BookingStatus) (rule, error) {
	who := partiesOf(b, actor)
	if who == 0 {
		return rule{}, fmt.Errorf("%w: not a party to booking %s", domain.ErrForbidden, b.ID)
	}
	r, ok := bookingTransitions[transition{b.Status, next}]
	if !ok {
		return rule{}, fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, b.Status, next)
	}
	if who&r.allowed == 0 {
		return rule{}, fmt.Errorf("%w: may not move booking %s from %s to %s", domain.ErrForbidden, b.ID, b.Status, next)
	}
	return r, nil
}

func validStatus(s domain.BookingStatus) bool {
	switch s {
	case domain.BookingPending, domain.BookingConfirmed, domain.BookingInProgress,
		domain.BookingCompleted, domain.BookingCancelled:
		return true
	}
	return false
}
