package validation

import (
	"errors"
	"fmt"
	"html"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"

	"github.com/fieldshop/storefront/internal/domain"
)

var (
	digitsPattern   = regexp.MustCompile(`^\d+$`)
	phonePattern    = regexp.MustCompile(`^[\d \-+]+$`)
	quantityPattern = regexp.MustCompile(`^[1-9][0-9]*$`)
)

var usStates = map[string]struct{}{}

func init() {
	for _, code := range []string{
		"AL", "AK", "AZ", "AR", "CA", "CO", "CT", "DE", "FL", "GA",
		"HI", "ID", "IL", "IN", "IA", "KS", "KY", "LA", "ME", "MD",
		"MA", "MI", "MN", "MS", "MO", "MT", "NE", "NV", "NH", "NJ",
		"NM", "NY", "NC", "ND", "OH", "OK", "OR", "PA", "RI", "SC",
		"SD", "TN", "TX", "UT", "VT", "VA", "WA", "WV", "WI", "WY",
		"DC", "AS", "GU", "MP", "PR", "VI", "UM",
		// armed forces
		"AA", "AE", "AP",
	} {
		usStates[code] = struct{}{}
	}
}

// FieldError describes a single rule violation using the request's JSON field path.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Errors is returned when a payload fails validation.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e))
	for _, fe := range e {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// AsErrors extracts field errors from err.
func AsErrors(err error) (Errors, bool) {
	var verrs Errors
	if errors.As(err, &verrs) {
		return verrs, true
	}
	return nil, false
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
	strictPolicy = bluemonday.StrictPolicy()
)

func instance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		v.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return field.Name
			}
			return name
		})
		mustRegister(v, "us_state", func(fl validator.FieldLevel) bool {
			_, ok := usStates[strings.ToUpper(strings.TrimSpace(fl.Field().String()))]
			return ok
		})
		mustRegister(v, "digits", func(fl validator.FieldLevel) bool {
			return digitsPattern.MatchString(fl.Field().String())
		})
		mustRegister(v, "phone", func(fl validator.FieldLevel) bool {
			return phonePattern.MatchString(fl.Field().String())
		})
		mustRegister(v, "quantity", func(fl validator.FieldLevel) bool {
			return quantityPattern.MatchString(fl.Field().String())
		})
		validate = v
	})
	return validate
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("validation: register %s: %v", tag, err))
	}
}

// Address validates a single address. prefix is prepended to field names, e.g. "billing".
func Address(prefix string, addr domain.Address) error {
	return collect(prefix, instance().Struct(addr))
}

// OrderRequest validates the order submission payload. Billing is only checked when the
// shopper did not choose to reuse the shipping address.
func OrderRequest(req domain.OrderRequest) error {
	if req.BillingAsShipping {
		req.Billing = nil
	}
	var out Errors
	if err := collect("", instance().Struct(req)); err != nil {
		verrs, ok := AsErrors(err)
		if !ok {
			return err
		}
		out = append(out, verrs...)
	}
	if !req.BillingAsShipping && req.Billing == nil {
		out = append(out, FieldError{Field: "billing", Rule: "required", Message: "billing is required"})
	}
	if len(out) > 0 {
		return out
	}
	return nil
}

// QuoteRequest validates the pricing quote payload.
func QuoteRequest(req domain.QuoteRequest) error {
	return collect("", instance().Struct(req))
}

// NormalizeAddress trims whitespace, strips markup from free-text fields and upper-cases
// region codes so the gateway receives plain text.
func NormalizeAddress(addr domain.Address) domain.Address {
	clean := func(s string) string {
		return strings.TrimSpace(html.UnescapeString(strictPolicy.Sanitize(s)))
	}
	return domain.Address{
		GivenName:    clean(addr.GivenName),
		FamilyName:   clean(addr.FamilyName),
		AddressLine:  clean(addr.AddressLine),
		AddressLine2: clean(addr.AddressLine2),
		Country:      strings.ToUpper(strings.TrimSpace(addr.Country)),
		State:        strings.ToUpper(strings.TrimSpace(addr.State)),
		PostalCode:   strings.TrimSpace(addr.PostalCode),
		City:         clean(addr.City),
		Phone:        strings.TrimSpace(addr.Phone),
		Comments:     clean(addr.Comments),
	}
}

func collect(prefix string, err error) error {
	if err == nil {
		return nil
	}
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return err
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := make(Errors, 0, len(verrs))
	for _, fe := range verrs {
		field := fieldPath(prefix, fe.Namespace())
		out = append(out, FieldError{
			Field:   field,
			Rule:    fe.Tag(),
			Message: message(field, fe),
		})
	}
	return out
}

// fieldPath drops the root struct name from the validator namespace.
func fieldPath(prefix, namespace string) string {
	path := namespace
	if idx := strings.Index(path, "."); idx >= 0 {
		path = path[idx+1:]
	}
	if prefix != "" {
		path = prefix + "." + path
	}
	return path
}

func message(field string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must contain at least %s entries", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "eq":
		return fmt.Sprintf("%s must be %s", field, fe.Param())
	case "ne", "quantity":
		return field + " must be a positive whole number"
	case "email":
		return field + " must be a valid email address"
	case "digits":
		return field + " must contain digits only"
	case "phone":
		return field + " may only contain digits, spaces, '-' and '+'"
	case "us_state":
		return field + " must be a US state or territory code"
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
