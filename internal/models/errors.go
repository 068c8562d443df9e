package models

import "errors"

// ErrNotFound is returned by storage when a referenced session, wallet,
// escrow, listing or user does not exist.
var ErrNotFound = errors.New("not found")

// ErrBalanceGuard is returned by wallet storage when applying a delta would
// drive available or locked below zero. Nothing is written in that case.
var ErrBalanceGuard = errors.New("balance would go negative")

// ErrDuplicate is returned by storage when a unique key (user email) is
// already taken.
var ErrDuplicate = errors.New("already exists")
