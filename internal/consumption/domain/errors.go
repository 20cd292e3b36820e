package domain

import "errors"

var (
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrConsumptionCorrupt = errors.New("consumption_record_corrupt")
)
