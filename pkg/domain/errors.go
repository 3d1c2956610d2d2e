package domain

import "errors"

// Common domain errors
var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrRuleIDOutOfBand  = errors.New("rule id outside the static band")
	ErrEngineClosed     = errors.New("filter engine closed")
)
