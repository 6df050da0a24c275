package http

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "query", "param"} {
			name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})
	// TWSE instrument codes: 4 to 6 digits.
	_ = v.RegisterValidation("instrument", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if len(s) < 4 || len(s) > 6 {
			return false
		}
		for _, r := range s {
			if r < '0' || r > '9' {
				return false
			}
		}
		return true
	})
	_ = v.RegisterValidation("tradedate", func(fl validator.FieldLevel) bool {
		_, err := time.Parse("2006-01-02", fl.Field().String())
		return err == nil
	})
	return v
}

// ReadAndValidateRequest binds req, applies `default` tags and validates it.
// It returns nil or a []ValidationError suitable for BadRequestResponse.
func ReadAndValidateRequest(c echo.Context, req interface{}) interface{} {
	if err := c.Bind(req); err != nil {
		return toValidationErrors(err)
	}
	if err := defaults.Set(req); err != nil {
		return toValidationErrors(err)
	}
	if err := validate.StructCtx(c.Request().Context(), req); err != nil {
		return toValidationErrors(err)
	}
	return nil
}

func toValidationErrors(err error) []ValidationError {
	var ves validator.ValidationErrors
	if errors.As(err, &ves) {
		out := make([]ValidationError, 0, len(ves))
		for _, fe := range ves {
			out = append(out, ValidationError{
				Code:    "ERR_" + strings.ToUpper(fe.Tag()),
				Field:   fe.Field(),
				Message: fieldMessage(fe),
				Params:  fieldParams(fe),
			})
		}
		return out
	}

	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg = fmt.Sprint(he.Message)
	}
	return []ValidationError{{Code: "ERR_BIND", Message: msg}}
}

var tagMessages = map[string]string{
	"required":   "%s is required",
	"instrument": "%s must be a 4 to 6 digit instrument code",
	"tradedate":  "%s must be a date formatted YYYY-MM-DD",
	"oneof":      "%s must be one of: %s",
	"gt":         "%s must be greater than %s",
	"gte":        "%s must be greater than or equal to %s",
	"lt":         "%s must be less than %s",
	"lte":        "%s must be less than or equal to %s",
}

func fieldMessage(fe validator.FieldError) string {
	switch tag := fe.Tag(); tag {
	case "min", "max":
		bound := "at least"
		if tag == "max" {
			bound = "at most"
		}
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be %s %s characters", fe.Field(), bound, fe.Param())
		}
		return fmt.Sprintf("%s must be %s %s", fe.Field(), bound, fe.Param())
	case "oneof":
		return fmt.Sprintf(tagMessages[tag], fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		format, ok := tagMessages[tag]
		if !ok {
			return fmt.Sprintf("%s failed validation: %s", fe.Field(), tag)
		}
		if strings.Count(format, "%s") == 2 {
			return fmt.Sprintf(format, fe.Field(), fe.Param())
		}
		return fmt.Sprintf(format, fe.Field())
	}
}

func fieldParams(fe validator.FieldError) map[string]interface{} {
	switch fe.Tag() {
	case "min", "gte":
		return map[string]interface{}{"min": fe.Param()}
	case "max", "lte":
		return map[string]interface{}{"max": fe.Param()}
	case "gt", "lt":
		return map[string]interface{}{"value": fe.Param()}
	case "oneof":
		return map[string]interface{}{"options": strings.Split(fe.Param(), " ")}
	}
	return nil
}
