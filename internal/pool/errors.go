package pool

import "errors"

var (
	// ErrNoAccountsAvailable is returned by Acquire when every account is
	// inactive, busy, or cooling down. Expected under saturation, not a fault.
	ErrNoAccountsAvailable = errors.New("no accounts available")

	// ErrNoAccountsInitialized is returned when not a single configured
	// account could be brought up.
	ErrNoAccountsInitialized = errors.New("no accounts initialized")

	// ErrAccountNotFound is returned when an account id is not in the pool
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when adding an account id already pooled
	ErrAccountExists = errors.New("account already exists")
)
