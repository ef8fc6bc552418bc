// Package delivery holds the state of one delivery event being worked on by a
// driver: its status machine, items, receiver, signature and photos.
package delivery

import (
	"slices"
	"strings"

	"github.com/els-fr/livreur/internal/errors"
)

// Status is the lifecycle state of a delivery.
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusArrived Status = "ARRIVED"
	StatusOK      Status = "OK"
	StatusNC      Status = "NC"
	StatusAbsent  Status = "ABSENT"
	StatusWait    Status = "WAIT"
	StatusCancel  Status = "CANCEL"
	StatusDone    Status = "DONE"
)

// transitions is the whitelist of allowed moves. ARRIVED cannot go back to
// OPEN and OPEN cannot jump to DONE.
var transitions = map[Status][]Status{
	StatusOpen:    {StatusArrived, StatusCancel, StatusWait},
	StatusArrived: {StatusOK, StatusNC, StatusAbsent, StatusWait},
	StatusOK:      {StatusDone},
	StatusNC:      {StatusDone},
	StatusAbsent:  {StatusDone},
	StatusWait:    {StatusOK, StatusNC, StatusAbsent, StatusCancel},
	StatusCancel:  {StatusDone},
	StatusDone:    {},
}

var labels = map[Status]string{
	StatusOpen:    "Ouverte",
	StatusArrived: "Arrivé",
	StatusOK:      "Livraison OK",
	StatusNC:      "Non Conformité",
	StatusAbsent:  "Absent",
	StatusWait:    "Attente",
	StatusCancel:  "Annulé",
	StatusDone:    "Clôturé",
}

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusOpen, StatusArrived, StatusOK, StatusNC,
		StatusAbsent, StatusWait, StatusCancel, StatusDone,
	}
}

// ParseStatus converts s (case-insensitive) to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", errors.Newf("unknown delivery status %q", s).
			Component("delivery").
			Category(errors.CategoryValidation).
			Build()
	}
	return st, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Next returns the statuses reachable from s.
func (s Status) Next() []Status {
	return slices.Clone(transitions[s])
}

// CanTransition reports whether s → to is whitelisted.
func (s Status) CanTransition(to Status) bool {
	return slices.Contains(transitions[s], to)
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// Label is the French display label of s.
func (s Status) Label() string {
	if l, ok := labels[s]; ok {
		return l
	}
	return string(s)
}

func (s Status) String() string {
	return string(s)
}
