package core

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"sponsorscout/internal/types"
)

// Validator wraps go-playground/validator with the domain tags:
//
//	planid  one of the catalog plan ids
//	period  a YYYY-MM billing period key
type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonFieldName)
	_ = v.RegisterValidation("planid", func(fl validator.FieldLevel) bool {
		return types.PlanID(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("period", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if len(s) != 7 || s[4] != '-' {
			return false
		}
		m := s[5:]
		return strings.IndexFunc(s[:4]+m, func(r rune) bool { return r < '0' || r > '9' }) < 0 && m >= "01" && m <= "12"
	})
	return &Validator{v: v}
}

func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

// ValidateStruct returns nil or a validation AppError listing each failing
// field by its JSON name.
func (v *Validator) ValidateStruct(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation could not run", err)
	}

	code := types.ErrCodeValidationInvalidBody
	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describe(fe)
		switch fe.Tag() {
		case "required":
			code = types.ErrCodeValidationMissingField
		case "planid":
			if code != types.ErrCodeValidationMissingField {
				code = types.ErrCodeValidationInvalidPlan
			}
		case "period":
			if code == types.ErrCodeValidationInvalidBody {
				code = types.ErrCodeValidationInvalidPeriod
			}
		}
	}
	return types.NewAppError(code, "request validation failed", err).WithDetails(map[string]any{"fields": fields})
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "planid":
		return "must be one of one_shot, basic, pro"
	case "period":
		return "must be a YYYY-MM period"
	case "url":
		return "must be an absolute URL"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return fmt.Sprintf("failed %q", fe.Tag())
	}
}
