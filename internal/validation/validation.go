package validation

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"lix/internal/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeRequest decodes a JSON request body into v and checks its validate
// tags. Failures are validation errors listing the offending fields.
func DecodeRequest(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.ValidationError("invalid request body", err.Error())
	}
	return Struct(v)
}

func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) {
		return errors.ValidationError("invalid request", err.Error())
	}
	fields := make(map[string]string, len(fieldErrs))
	names := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Field()] = fe.Tag()
		names = append(names, fe.Field())
	}
	return errors.ValidationError("invalid fields: "+strings.Join(names, ", "), fields)
}
