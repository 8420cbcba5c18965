// ABOUTME: Shape validation for inbound envelopes using struct tags.
// ABOUTME: Unknown sources and blank required fields fail closed as ValidationErrors.

package envelope

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/2389/coven-relay/internal/failure"
)

// Validator checks inbound envelopes against the set of recognized sources.
type Validator struct {
	validate *validator.Validate
	sources  map[Source]bool
}

// NewValidator returns a Validator accepting DefaultSources plus extra.
func NewValidator(extra ...Source) *Validator {
	v := &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		sources:  make(map[Source]bool),
	}
	for _, s := range DefaultSources {
		v.sources[s] = true
	}
	for _, s := range extra {
		if s = Source(strings.ToLower(strings.TrimSpace(string(s)))); s != "" {
			v.sources[s] = true
		}
	}

	v.validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// Registration only fails for empty tags or nil funcs.
	_ = v.validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = v.validate.RegisterValidation("source", func(fl validator.FieldLevel) bool {
		return v.Recognized(Source(fl.Field().String()))
	})
	return v
}

// Recognized reports whether s is an accepted source tag.
func (v *Validator) Recognized(s Source) bool {
	return v.sources[s]
}

// Validate returns a ValidationError describing every failed field, or nil.
func (v *Validator) Validate(in *Inbound) error {
	if in == nil {
		return failure.Validation("missing envelope", nil)
	}
	err := v.validate.Struct(in)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return failure.Validation("validating envelope", err)
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "notblank":
			problems = append(problems, fmt.Sprintf("%s is required", fe.Field()))
		case "source":
			problems = append(problems, fmt.Sprintf("source %q is not recognized", fe.Value()))
		default:
			problems = append(problems, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return failure.Validation("invalid envelope: "+strings.Join(problems, "; "), nil)
}
