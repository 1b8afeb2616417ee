package app

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"schemesathi/pkg/domain"
)

var pincodePattern = regexp.MustCompile(`^[0-9]{6}$`)

// stringRule validates one client-writable string field.
type stringRule struct {
	field  string
	maxLen int
	check  func(value string) error
	assign func(u *domain.ProfileUpdate, value string)
}

// profileStringRules run first, in this order. The first failing rule aborts
// the whole update.
var profileStringRules = []stringRule{
	{field: "fullName", maxLen: 200, assign: func(u *domain.ProfileUpdate, v string) { u.FullName = &v }},
	{field: "phone", maxLen: 20, assign: func(u *domain.ProfileUpdate, v string) { u.Phone = &v }},
	{field: "businessName", maxLen: 200, assign: func(u *domain.ProfileUpdate, v string) { u.BusinessName = &v }},
	{field: "businessType", maxLen: 100, assign: func(u *domain.ProfileUpdate, v string) { u.BusinessType = &v }},
	{field: "businessCategory", maxLen: 100, assign: func(u *domain.ProfileUpdate, v string) { u.BusinessCategory = &v }},
	{field: "state", maxLen: 100, assign: func(u *domain.ProfileUpdate, v string) { u.State = &v }},
	{field: "district", maxLen: 100, assign: func(u *domain.ProfileUpdate, v string) { u.District = &v }},
	{
		field: "pincode",
		check: func(v string) error {
			if !pincodePattern.MatchString(v) {
				return fmt.Errorf("must be a 6-digit pincode")
			}
			return nil
		},
		assign: func(u *domain.ProfileUpdate, v string) { u.Pincode = &v },
	},
	{
		field: "preferredLanguage",
		check: func(v string) error {
			if !domain.ValidLanguage(v) {
				return fmt.Errorf("unsupported language code %q", v)
			}
			return nil
		},
		assign: func(u *domain.ProfileUpdate, v string) { u.PreferredLanguage = &v },
	},
	{field: "preferredModel", maxLen: 100, assign: func(u *domain.ProfileUpdate, v string) { u.PreferredModel = &v }},
}

// numericRule validates one client-writable numeric field.
type numericRule struct {
	field       string
	integerOnly bool
	assign      func(u *domain.ProfileUpdate, value float64)
}

// profileNumericRules run after the string rules, in this order.
var profileNumericRules = []numericRule{
	{field: "annualTurnover", assign: func(u *domain.ProfileUpdate, v float64) { u.AnnualTurnover = &v }},
	{
		field:       "employeeCount",
		integerOnly: true,
		assign: func(u *domain.ProfileUpdate, v float64) {
			n := int(v)
			u.EmployeeCount = &n
		},
	},
}

// protectedProfileFields may never be set from the client side. Their
// presence in a PATCH body rejects the whole request.
var protectedProfileFields = []string{"role", "email", "id", "userId", "createdAt", "updatedAt"}

// buildProfileUpdate validates a raw PATCH body against the ordered rule
// table and converts it into a ProfileUpdate. Rules run strings first, then
// numerics, then the protected-field rejection; the first failure aborts
// with no partial result. Fields outside the table are ignored.
func buildProfileUpdate(fields map[string]json.RawMessage) (domain.ProfileUpdate, error) {
	var update domain.ProfileUpdate

	for _, rule := range profileStringRules {
		raw, ok := fields[rule.field]
		if !ok {
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return domain.ProfileUpdate{}, invalid(rule.field, "must be a string")
		}
		value = strings.TrimSpace(value)
		if rule.maxLen > 0 && utf8.RuneCountInString(value) > rule.maxLen {
			return domain.ProfileUpdate{}, invalid(rule.field, fmt.Sprintf("must be at most %d characters", rule.maxLen))
		}
		if rule.check != nil {
			if err := rule.check(value); err != nil {
				return domain.ProfileUpdate{}, invalid(rule.field, err.Error())
			}
		}
		rule.assign(&update, value)
	}

	for _, rule := range profileNumericRules {
		raw, ok := fields[rule.field]
		if !ok {
			continue
		}
		var value float64
		if err := json.Unmarshal(raw, &value); err != nil {
			return domain.ProfileUpdate{}, invalid(rule.field, "must be a number")
		}
		if value < 0 {
			return domain.ProfileUpdate{}, invalid(rule.field, "must not be negative")
		}
		if rule.integerOnly && value != math.Trunc(value) {
			return domain.ProfileUpdate{}, invalid(rule.field, "must be a whole number")
		}
		rule.assign(&update, value)
	}

	for _, field := range protectedProfileFields {
		if _, ok := fields[field]; ok {
			return domain.ProfileUpdate{}, invalid(field, "field is not writable")
		}
	}

	if update.Empty() {
		return domain.ProfileUpdate{}, ErrEmptyUpdate
	}
	return update, nil
}
