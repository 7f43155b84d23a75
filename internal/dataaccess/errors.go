package dataaccess

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"chaitrack/backend/internal/domain"
)

// ValidationError rejects input before anything is written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func invalid(field string, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// ErrCompanionSale matches a CompanionSaleError with errors.Is.
var ErrCompanionSale = errors.New("delivery recorded but its sale was not")

// CompanionSaleError reports the half-done delivery write: the delivery row
// exists, the matching sale does not. RetryCompanionSale finishes it.
type CompanionSaleError struct {
	Delivery domain.DeliveryRecord
	Err      error
}

func (e *CompanionSaleError) Error() string {
	return fmt.Sprintf("%s (delivery %s): %v", ErrCompanionSale.Error(), e.Delivery.ID, e.Err)
}

func (e *CompanionSaleError) Unwrap() []error {
	return []error{ErrCompanionSale, e.Err}
}

// LoadError lists the collections that failed to load. Collections that
// loaded were applied; the failed ones kept their previous value.
type LoadError struct {
	Failures map[string]error
}

func (e *LoadError) Tables() []string {
	tables := make([]string, 0, len(e.Failures))
	for table := range e.Failures {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	return tables
}

func (e *LoadError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, table := range e.Tables() {
		parts = append(parts, fmt.Sprintf("%s: %v", table, e.Failures[table]))
	}
	return "load failed for " + strings.Join(parts, "; ")
}

func (e *LoadError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, table := range e.Tables() {
		errs = append(errs, e.Failures[table])
	}
	return errs
}
