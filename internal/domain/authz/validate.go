package authz

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// inputValidator is a package-level validator instance with custom rules
// registered once. validator.Validate is safe for concurrent use after
// registration, matching the teacher's config.Validate idiom.
var inputValidator = newInputValidator()

func newInputValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("boundedutf8", validateBoundedUTF8)
	return v
}

// validateBoundedUTF8 checks that a string field is valid UTF-8 and no
// longer than maxFieldBytes, per the §3 invariant.
func validateBoundedUTF8(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if !utf8.ValidString(s) {
		return false
	}
	return len(s) <= maxFieldBytes
}

// clockSkewTolerance bounds how far from server-observed "now" a request
// timestamp may drift before validation rejects it, per §3.
const clockSkewTolerance = 60 * time.Second

// boundedFields is a shadow struct carrying the subset of
// AuthorizationInput's string fields that must be valid, bounded UTF-8
// (§3), tagged so inputValidator.Struct can check them in one call instead
// of a hand-rolled loop.
type boundedFields struct {
	PrincipalID    string `validate:"required,boundedutf8"`
	PrincipalName  string `validate:"boundedutf8"`
	ResourceID     string `validate:"required,boundedutf8"`
	ResourceName   string `validate:"boundedutf8"`
	ResourceDesc   string `validate:"boundedutf8"`
	PolicyVersion  string `validate:"boundedutf8"`
	ClientIP       string `validate:"boundedutf8"`
	SessionID      string `validate:"boundedutf8"`
	RequestID      string `validate:"boundedutf8"`
	Action         string `validate:"required"`
}

// boundedFieldNames maps a boundedFields struct field to the dotted
// AuthorizationInput path it stands in for, for error messages.
var boundedFieldNames = map[string]string{
	"PrincipalID":   "principal.id",
	"PrincipalName": "principal.name",
	"ResourceID":    "resource.id",
	"ResourceName":  "resource.name",
	"ResourceDesc":  "resource.description",
	"PolicyVersion": "policy_version",
	"ClientIP":      "context.client_ip",
	"SessionID":     "context.session_id",
	"RequestID":     "context.request_id",
	"Action":        "action",
}

// translateValidationError converts the first validator.FieldError in err
// into an ErrInvalidInput-wrapped error naming the offending
// AuthorizationInput field and the rule it failed.
func translateValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	fe := verrs[0]
	name := boundedFieldNames[fe.StructField()]
	if name == "" {
		name = fe.StructField()
	}
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, name)
	case "boundedutf8":
		return fmt.Errorf("%w: %s is not valid UTF-8 or exceeds %d bytes", ErrInvalidInput, name, maxFieldBytes)
	default:
		return fmt.Errorf("%w: %s failed %s", ErrInvalidInput, name, fe.Tag())
	}
}

// Validate checks structural invariants on an AuthorizationInput: bounded
// UTF-8 fields (via inputValidator and the boundedutf8 tag), a serialized
// Parameters payload within the 64 KiB cap, and a Context.Timestamp within
// clock-skew tolerance of now. It does not assess authorization; a
// structurally valid input may still be denied by the policy engine.
func (in AuthorizationInput) Validate(now time.Time) error {
	bf := boundedFields{
		PrincipalID:   in.Principal.ID,
		PrincipalName: in.Principal.Name,
		ResourceID:    in.Resource.ID,
		ResourceName:  in.Resource.Name,
		ResourceDesc:  in.Resource.Description,
		PolicyVersion: in.PolicyVersion,
		ClientIP:      in.Context.ClientIP,
		SessionID:     in.Context.SessionID,
		RequestID:     in.Context.RequestID,
		Action:        string(in.Action),
	}
	if err := inputValidator.Struct(bf); err != nil {
		return translateValidationError(err)
	}

	if len(in.Parameters) > 0 {
		data, err := json.Marshal(in.Parameters)
		if err != nil {
			return fmt.Errorf("%w: parameters not serializable: %v", ErrInvalidInput, err)
		}
		if len(data) > maxParametersBytes {
			return fmt.Errorf("%w: parameters exceed %d bytes", ErrInvalidInput, maxParametersBytes)
		}
	}

	if !in.Context.Timestamp.IsZero() {
		skew := now.Sub(in.Context.Timestamp)
		if skew < 0 {
			skew = -skew
		}
		if skew > clockSkewTolerance {
			return fmt.Errorf("%w: context.timestamp skew %s exceeds tolerance", ErrInvalidInput, skew)
		}
	}

	return nil
}
