package validation

import "example.com/backoffice/internal/models"

// blockingCodes are the exception codes that force human review. Warning
// codes (MISSING_FILE) are deliberately absent.
var blockingCodes = map[string]bool{
	CodeMissingField:     true,
	CodeMissingVendor:    true,
	CodeMissingNumber:    true,
	CodeMissingDate:      true,
	CodeMissingAmount:    true,
	CodeInvalidAmount:    true,
	CodeInvalidCurrency:  true,
	CodeDuplicateInvoice: true,
}

// IsBlocking reports whether an exception code forces APPROVAL_PENDING.
func IsBlocking(code string) bool {
	return blockingCodes[code]
}

// DeriveStatus maps a validation result to the invoice's next lifecycle
// status. Pure and total: an empty list derives VALIDATED.
func DeriveStatus(exceptions []models.InvoiceException) models.InvoiceStatus {
	for _, exc := range exceptions {
		if IsBlocking(exc.Code) {
			return models.StatusApprovalPending
		}
	}
	return models.StatusValidated
}
