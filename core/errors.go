package core

import "errors"

// Sentinel errors forming the contract surfaced across the signal-to-execution
// pipeline. Components wrap these with fmt.Errorf("...: %w", ErrX) so callers
// can still match with errors.Is.
var (
	// ErrNotEnoughData is returned by the candle store and ML service when
	// fewer bars are available than the caller requires.
	ErrNotEnoughData = errors.New("not enough data")

	// ErrAdapterUnavailable is returned when an exchange adapter operation
	// (connect, submit) cannot be completed.
	ErrAdapterUnavailable = errors.New("adapter unavailable")

	// ErrInvalidConfig is returned by Settings.Validate for out-of-range or
	// missing configuration values.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrArtifactMissing is returned when a configured model artifact file
	// cannot be found or loaded.
	ErrArtifactMissing = errors.New("model artifact missing")

	// ErrInsufficientBalance is returned by the paper exchange when an order
	// would require funds beyond what is available.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrPriceUnavailable is returned by the paper exchange when an order has
	// no price and no last traded price is known yet.
	ErrPriceUnavailable = errors.New("price unavailable")
)
