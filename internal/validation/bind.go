package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
)

// ErrInvalidBody wraps every decoding and validation failure.
var ErrInvalidBody = errors.New("invalid request body")

// BindAndValidate binds JSON body into `out` and runs validation.
// If validation fails, it writes a 400 response and returns an error for the handler to short-circuit.
func BindAndValidate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	raw, err := c.GetRawData()
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidBody, err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return err
	}
	if err := Decode(raw, out, v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"message": err.Error(),
			"fields":  validationErrorsToMap(err),
		})
		return err
	}
	return nil
}

// Decode unmarshals raw JSON into out and validates it. Errors wrap ErrInvalidBody.
func Decode(raw []byte, out interface{}, v *validatorv10.Validate) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: empty body", ErrInvalidBody)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	if err := v.Struct(out); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBody, err)
	}
	return nil
}

func validationErrorsToMap(err error) map[string]string {
	out := map[string]string{}
	var ve validatorv10.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			out[fe.Field()] = fe.Tag()
		}
	}
	return out
}
