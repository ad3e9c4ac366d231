// Package restriction evaluates card-scoped merchant category and geographic rules.
package restriction

import (
	"context"
	"fmt"
	"strings"

	"cardauth/internal/domain"
)

// RuleSource loads the restriction rules of a single card.
type RuleSource interface {
	GetRestrictions(ctx context.Context, cardID string) ([]domain.Restriction, error)
}

// Decision is the outcome of a restriction check.
type Decision struct {
	Allowed bool                   `json:"allowed"`
	Reason  string                 `json:"reason,omitempty"`
	Rule    *domain.Restriction    `json:"rule,omitempty"`
	Type    domain.RestrictionType `json:"type,omitempty"`
}

// Validator checks proposed transactions against card rules.
type Validator struct {
	source RuleSource
}

// NewValidator creates a new restriction validator.
func NewValidator(source RuleSource) *Validator {
	return &Validator{source: source}
}

// Validate checks the merchant category and country of a transaction. A
// matching deny rule blocks the transaction. If the card defines allow rules
// for a type, values missing from that allow-list are blocked too.
func (v *Validator) Validate(ctx context.Context, cardID, merchantCategoryCode, countryCode string) (Decision, error) {
	rules, err := v.source.GetRestrictions(ctx, cardID)
	if err != nil {
		return Decision{}, fmt.Errorf("loading restrictions for card %s: %w", cardID, err)
	}
	return Evaluate(rules, merchantCategoryCode, countryCode), nil
}

// Evaluate applies rules without any I/O.
func Evaluate(rules []domain.Restriction, merchantCategoryCode, countryCode string) Decision {
	checks := []struct {
		typ   domain.RestrictionType
		value string
	}{
		{domain.RestrictionMerchantCategory, strings.TrimSpace(merchantCategoryCode)},
		{domain.RestrictionCountry, strings.ToUpper(strings.TrimSpace(countryCode))},
	}

	for _, c := range checks {
		if d := evaluateType(rules, c.typ, c.value); !d.Allowed {
			return d
		}
	}
	return Decision{Allowed: true}
}

func evaluateType(rules []domain.Restriction, typ domain.RestrictionType, value string) Decision {
	var hasAllowList, onAllowList bool

	for i := range rules {
		rule := rules[i]
		if rule.Type != typ {
			continue
		}
		matches := value != "" && strings.EqualFold(rule.Value, value)
		if !rule.Allowed {
			if matches {
				return Decision{
					Allowed: false,
					Type:    typ,
					Rule:    &rule,
					Reason:  fmt.Sprintf("%s %s is blocked for this card", typ, value),
				}
			}
			continue
		}
		hasAllowList = true
		if matches {
			onAllowList = true
		}
	}

	if hasAllowList && !onAllowList {
		return Decision{
			Allowed: false,
			Type:    typ,
			Reason:  fmt.Sprintf("%s %q is not on the allow-list for this card", typ, value),
		}
	}
	return Decision{Allowed: true}
}
