package server

import (
	"errors"
	"net/http"

	nativecommon "yieldvault/native/common"
	"yieldvault/native/distribution"
)

// statusFor maps ledger error classes onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, distribution.ErrEpochNotFound):
		return http.StatusNotFound
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, nativecommon.ErrReentrantCall):
		return http.StatusConflict
	}
	switch nativecommon.Classify(err) {
	case nativecommon.ClassMisuse:
		return http.StatusBadRequest
	case nativecommon.ClassCapability:
		return http.StatusForbidden
	case nativecommon.ClassEconomicSafety:
		return http.StatusUnprocessableEntity
	case nativecommon.ClassConfiguration:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
