package dialect

import (
	"github.com/go-playground/validator/v10"

	"github.com/Laisky/codeassist-proxy/internal/apierr"
)

// validate is the package-level struct-tag validator. A single instance
// is reused across calls per the validator library's own guidance — it
// caches struct reflection metadata internally.
var validate = validator.New()

// envelopeConstraints mirrors the subset of Envelope fields that carry
// range constraints beyond "is this field present" (already checked
// ad hoc in resolveMessages). Validated after normalization so a bad
// sampling parameter surfaces as the same 400-class error either dialect
// produces for a structurally malformed body.
type envelopeConstraints struct {
	Model       string   `validate:"required"`
	Temperature *float64 `validate:"omitempty,gte=0,lte=2"`
	TopP        *float64 `validate:"omitempty,gte=0,lte=1"`
	N           *int     `validate:"omitempty,gte=1"`
}

// validateEnvelope enforces the sampling-parameter ranges the wire
// dialects declare but json.Unmarshal can't: a string field being
// non-empty is a format error caught earlier, a float outside its
// documented range is a validation error caught here.
func validateEnvelope(env *Envelope) *apierr.Error {
	c := envelopeConstraints{Model: env.Model, Temperature: env.Temperature, TopP: env.TopP, N: env.N}
	if err := validate.Struct(c); err != nil {
		return apierr.InvalidRequest("invalid request parameters: %s", err.Error())
	}
	return nil
}
