package domain

import "errors"

// Domain-rule violations surfaced to callers. The API layer maps these
// to transport status codes; inside the core they are matched with
// errors.Is.
var (
	ErrNotFound               = errors.New("not found")
	ErrNotAllowed             = errors.New("not allowed")
	ErrUserAlreadyInDuel      = errors.New("user already participates in a duel")
	ErrOtherUserAlreadyInDuel = errors.New("other user already participates in a duel")
	ErrDuelNotActive          = errors.New("duel not active")
	ErrBlackoutWindow         = errors.New("duels are paused before the weekly random duels")
	ErrValidation             = errors.New("invalid input")
)
