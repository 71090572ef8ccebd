package validation

import (
	"context"

	"example.com/backoffice/internal/models"
)

// Engine runs a fixed, ordered set of independent rules over an invoice
// snapshot and concatenates their results. Rules are side-effect-free, so
// validating the same snapshot twice yields the same exception set.
//
// Adding a rule: write a method with the Rule signature, append it to the
// slice in NewEngine, and add its code to blockingCodes if it should block.
type Engine struct {
	vocabulary        Vocabulary
	defaultCurrencies []string
	duplicates        DuplicateChecker
	rules             []Rule
}

// NewEngine builds the canonical rule set for the given vocabulary.
// defaultCurrencies is the process-wide allow-list used when a tenant has
// none configured.
func NewEngine(vocabulary Vocabulary, defaultCurrencies []string, duplicates DuplicateChecker) *Engine {
	e := &Engine{
		vocabulary:        vocabulary,
		defaultCurrencies: defaultCurrencies,
		duplicates:        duplicates,
	}
	e.rules = []Rule{
		e.checkRequiredFields,
		e.checkAmount,
		e.checkCurrency,
		e.checkDuplicate,
	}
	if vocabulary == VocabularyPerField {
		e.rules = append(e.rules, e.checkFile)
	}
	return e
}

// Validate runs every rule in order against the invoice and returns the
// concatenated exception list. The tenant supplies the currency allow-list;
// nil tenant falls back to the process default.
func (e *Engine) Validate(ctx context.Context, invoice *models.Invoice, tenant *models.Tenant) ([]models.InvoiceException, error) {
	in := Input{
		Invoice:           invoice,
		AllowedCurrencies: tenant.AllowedCurrencyList(e.defaultCurrencies),
	}

	var all []models.InvoiceException
	for _, rule := range e.rules {
		found, err := rule(ctx, in)
		if err != nil {
			return nil, err
		}
		all = append(all, found...)
	}
	return all, nil
}
