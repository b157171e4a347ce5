package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// PersistenceError means the store was unreachable or rejected the write.
// It is surfaced to the caller as-is and never retried.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: persistence failure: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// ValidationError rejects malformed input before any network or store call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// DeliveryError is a per-receiver push failure. It is recorded in a
// DeliveryReport and never returned as the broadcast error.
type DeliveryError struct {
	Device     string
	Address    string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery to %s (%s) failed: %v", e.Device, e.Address, e.Err)
	}
	return fmt.Sprintf("delivery to %s (%s) failed: status %d", e.Device, e.Address, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e DeliveryError) MarshalJSON() ([]byte, error) {
	out := struct {
		Device     string `json:"device"`
		Address    string `json:"address"`
		StatusCode int    `json:"status_code,omitempty"`
		Error      string `json:"error"`
	}{
		Device:     e.Device,
		Address:    e.Address,
		StatusCode: e.StatusCode,
		Error:      e.Error(),
	}
	return json.Marshal(out)
}
