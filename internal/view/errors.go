package view

import "errors"

var (
	ErrNoClass         = errors.New("entity metadata has no class")
	ErrEntityNotFound  = errors.New("entity not in view")
	ErrDuplicateAdd    = errors.New("entity added twice without removal")
	ErrRemoveNotAdded  = errors.New("entity removed without being added")
	ErrCommandTimeout  = errors.New("command timed out")
	ErrCommandRejected = errors.New("command rejected")
)
