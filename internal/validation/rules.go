package validation

import (
	"context"
	"fmt"
	"strings"

	"example.com/backoffice/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Exception codes emitted by the rule set.
const (
	CodeMissingField     = "MISSING_FIELD"
	CodeMissingVendor    = "MISSING_VENDOR"
	CodeMissingNumber    = "MISSING_NUMBER"
	CodeMissingDate      = "MISSING_DATE"
	CodeMissingAmount    = "MISSING_AMOUNT"
	CodeInvalidAmount    = "INVALID_AMOUNT"
	CodeInvalidCurrency  = "INVALID_CURRENCY"
	CodeDuplicateInvoice = "DUPLICATE_INVOICE"
	CodeMissingFile      = "MISSING_FILE"
)

// Vocabulary selects which exception-code vocabulary the engine emits. The
// two deployed schema generations used different vocabularies, so it is a
// configuration knob rather than a hard-coded choice.
type Vocabulary string

const (
	// VocabularyPerField emits one dedicated code per absent field
	// (MISSING_VENDOR, MISSING_NUMBER, ...) plus a MISSING_FILE warning.
	VocabularyPerField Vocabulary = "per_field"
	// VocabularyCombined emits a single MISSING_FIELD code per absent field
	// and matches currencies case-insensitively. No file rule.
	VocabularyCombined Vocabulary = "combined"
)

// ParseVocabulary maps a config string to a Vocabulary, defaulting to per-field.
func ParseVocabulary(s string) Vocabulary {
	if Vocabulary(s) == VocabularyCombined {
		return VocabularyCombined
	}
	return VocabularyPerField
}

// DuplicateChecker looks up another invoice with the same (tenant, vendor,
// invoice number). It is the only I/O a rule performs.
type DuplicateChecker interface {
	FindDuplicate(ctx context.Context, tenantID uuid.UUID, vendor, invoiceNumber string, excludeID uuid.UUID) (*models.Invoice, error)
}

// Input is the snapshot a rule inspects. Rules never mutate the invoice.
type Input struct {
	Invoice           *models.Invoice
	AllowedCurrencies []string
}

// Rule inspects an invoice snapshot and returns zero or more exceptions.
type Rule func(ctx context.Context, in Input) ([]models.InvoiceException, error)

func makeException(inv *models.Invoice, code, message, severity string) models.InvoiceException {
	return models.InvoiceException{
		TenantID:  inv.TenantID,
		InvoiceID: inv.ID,
		Code:      code,
		Message:   message,
		Severity:  severity,
		Status:    models.ExceptionOpen,
	}
}

// checkRequiredFields flags any core field that is absent or blank.
func (e *Engine) checkRequiredFields(ctx context.Context, in Input) ([]models.InvoiceException, error) {
	inv := in.Invoice
	var out []models.InvoiceException

	missing := func(perFieldCode, field, message string) {
		if e.vocabulary == VocabularyCombined {
			out = append(out, makeException(inv, CodeMissingField,
				fmt.Sprintf("Required field '%s' is missing or blank", field), models.SeverityError))
			return
		}
		out = append(out, makeException(inv, perFieldCode, message, models.SeverityError))
	}

	if strings.TrimSpace(inv.Vendor) == "" {
		missing(CodeMissingVendor, "vendor", "Vendor name is required")
	}
	if strings.TrimSpace(inv.InvoiceNumber) == "" {
		missing(CodeMissingNumber, "invoice_number", "Invoice number is required")
	}
	if inv.InvoiceDate == nil {
		missing(CodeMissingDate, "invoice_date", "Invoice date is required")
	}
	if !inv.Amount.Valid {
		missing(CodeMissingAmount, "amount", "Invoice amount is required")
	}
	// Only the combined vocabulary treats a blank currency as a missing field;
	// the per-field generation defaulted the column instead.
	if e.vocabulary == VocabularyCombined && strings.TrimSpace(inv.Currency) == "" {
		missing("", "currency", "")
	}
	return out, nil
}

// checkAmount requires a strictly positive amount when one is present.
func (e *Engine) checkAmount(ctx context.Context, in Input) ([]models.InvoiceException, error) {
	inv := in.Invoice
	if inv.Amount.Valid && inv.Amount.Decimal.Sign() <= 0 {
		return []models.InvoiceException{makeException(inv, CodeInvalidAmount,
			fmt.Sprintf("Amount must be > 0; received %s", inv.Amount.Decimal.String()),
			models.SeverityError)}, nil
	}
	return nil, nil
}

// checkCurrency enforces the tenant's currency allow-list.
func (e *Engine) checkCurrency(ctx context.Context, in Input) ([]models.InvoiceException, error) {
	inv := in.Invoice
	if strings.TrimSpace(inv.Currency) == "" {
		return nil, nil
	}
	for _, allowed := range in.AllowedCurrencies {
		if e.vocabulary == VocabularyCombined {
			if strings.EqualFold(inv.Currency, allowed) {
				return nil, nil
			}
		} else if inv.Currency == allowed {
			return nil, nil
		}
	}
	return []models.InvoiceException{makeException(inv, CodeInvalidCurrency,
		fmt.Sprintf("Currency '%s' not in allowed list: %s", inv.Currency, strings.Join(in.AllowedCurrencies, ", ")),
		models.SeverityError)}, nil
}

// checkDuplicate flags another invoice with the same (tenant, vendor, number).
// Point-in-time query: two invoices created truly concurrently can both pass.
func (e *Engine) checkDuplicate(ctx context.Context, in Input) ([]models.InvoiceException, error) {
	inv := in.Invoice
	if strings.TrimSpace(inv.Vendor) == "" || strings.TrimSpace(inv.InvoiceNumber) == "" {
		return nil, nil
	}
	dup, err := e.duplicates.FindDuplicate(ctx, inv.TenantID, inv.Vendor, inv.InvoiceNumber, inv.ID)
	if err != nil {
		return nil, errors.Wrap(err, "duplicate lookup failed")
	}
	if dup == nil {
		return nil, nil
	}
	return []models.InvoiceException{makeException(inv, CodeDuplicateInvoice,
		fmt.Sprintf("Invoice number '%s' for vendor '%s' already exists (id=%s)",
			inv.InvoiceNumber, inv.Vendor, dup.ID), models.SeverityError)}, nil
}

// checkFile warns when no file path is recorded. Warning only: a missing
// binary never blocks approval.
func (e *Engine) checkFile(ctx context.Context, in Input) ([]models.InvoiceException, error) {
	if in.Invoice.FilePath == "" {
		return []models.InvoiceException{makeException(in.Invoice, CodeMissingFile,
			"No file attached to invoice", models.SeverityWarning)}, nil
	}
	return nil, nil
}
