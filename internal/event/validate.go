package event

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
)

var (
	validate = newValidator()

	rgbHexPattern = regexp.MustCompile(`^[0-9a-fA-F]{6}$`)
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Both registrations only fail on an empty tag name.
	_ = v.RegisterValidation("ulid", isULID)
	_ = v.RegisterValidation("rgbhex", isRGBHex)
	return v
}

func isULID(fl validator.FieldLevel) bool {
	_, err := ulid.ParseStrict(fl.Field().String())
	return err == nil
}

func isRGBHex(fl validator.FieldLevel) bool {
	return rgbHexPattern.MatchString(fl.Field().String())
}

// ValidID reports whether s is a well-formed ULID.
func ValidID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// NormalizeColor upper-cases a six digit hex color.
func NormalizeColor(c string) string {
	return strings.ToUpper(c)
}

// validTokens accepts an absent value or a JSON array. Markdown tokens are
// opaque to the core, but anything other than an array is a schema violation.
func validTokens(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '[' && json.Valid(trimmed)
}
