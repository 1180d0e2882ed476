// Package access resolves caller capabilities and enforces the participant
// predicate on every workflow entity.
package access

import (
	"strings"

	"tradeflow/apperr"
)

// Capability is a bit in an actor's capability set.
type Capability uint8

const (
	CapCustomer Capability = 1 << iota
	CapProvider
	CapService
)

// AccountType is the persisted account kind of a user.
type AccountType string

const (
	AccountCustomer AccountType = "customer"
	AccountTradie   AccountType = "tradie"
	AccountDual     AccountType = "dual"
)

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountCustomer, AccountTradie, AccountDual:
		return true
	default:
		return false
	}
}

// CapabilitiesFor maps an account type to its capability set.
func CapabilitiesFor(t AccountType) Capability {
	switch AccountType(strings.ToLower(string(t))) {
	case AccountCustomer:
		return CapCustomer
	case AccountTradie:
		return CapProvider
	case AccountDual:
		return CapCustomer | CapProvider
	default:
		return 0
	}
}

// Actor is the authenticated caller of a workflow operation.
type Actor struct {
	ID   string
	caps Capability
}

// NewActor builds an actor with the given capabilities.
func NewActor(id string, caps Capability) Actor {
	return Actor{ID: id, caps: caps}
}

// ForAccount builds an actor from a persisted account type.
func ForAccount(id string, t AccountType) Actor {
	return NewActor(id, CapabilitiesFor(t))
}

// ServiceActor is the trusted service identity used by workers and operators.
func ServiceActor(id string) Actor {
	return NewActor(id, CapService)
}

// Has reports whether the actor holds every capability in c.
func (a Actor) Has(c Capability) bool {
	return c != 0 && a.caps&c == c
}

// Trusted reports whether the actor is the service identity.
func (a Actor) Trusted() bool {
	return a.Has(CapService)
}

// Participants identifies the two parties of a job.
type Participants struct {
	CustomerID string
	ProviderID string
}

// Includes reports whether actorID is one of the parties.
func (p Participants) Includes(actorID string) bool {
	if actorID == "" {
		return false
	}
	return actorID == p.CustomerID || (p.ProviderID != "" && actorID == p.ProviderID)
}

// Counterparty returns the other party for actorID.
func (p Participants) Counterparty(actorID string) string {
	if actorID == p.CustomerID {
		return p.ProviderID
	}
	return p.CustomerID
}

// CanRead reports whether a may read rows belonging to p.
func CanRead(a Actor, p Participants) bool {
	return a.Trusted() || p.Includes(a.ID)
}

// RequireParticipant rejects non-participants with NotFound so existence never leaks.
func RequireParticipant(a Actor, p Participants, resource string) error {
	if CanRead(a, p) {
		return nil
	}
	return apperr.NotFound("%s not found", resource)
}

// RequireCustomer allows only the job's customer. Other participants and the
// service identity receive Forbidden.
func RequireCustomer(a Actor, p Participants, resource string) error {
	if err := RequireParticipant(a, p, resource); err != nil {
		return err
	}
	if a.ID != p.CustomerID || !a.Has(CapCustomer) {
		return apperr.Forbidden("only the customer may perform this action")
	}
	return nil
}

// RequireProvider allows only the job's assigned provider.
func RequireProvider(a Actor, p Participants, resource string) error {
	if err := RequireParticipant(a, p, resource); err != nil {
		return err
	}
	if p.ProviderID == "" || a.ID != p.ProviderID || !a.Has(CapProvider) {
		return apperr.Forbidden("only the assigned provider may perform this action")
	}
	return nil
}

// Filter carries the participant predicate into SQL. Queries append
//
//	AND ($n::bool OR customer_id = $m OR provider_id = $m)
//
// using Args.
type Filter struct {
	Trusted bool
	ActorID string
}

// FilterFor builds the row filter for a.
func FilterFor(a Actor) Filter {
	return Filter{Trusted: a.Trusted(), ActorID: a.ID}
}

// Args returns the predicate arguments in (trusted, actorID) order.
func (f Filter) Args() []any {
	return []any{f.Trusted, f.ActorID}
}
