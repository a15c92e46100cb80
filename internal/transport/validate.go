package transport

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/ChuLiYu/gearguard-board/internal/statemachine"
	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

// NewValidator returns a validator with the board's custom rules registered.
func NewValidator() (*validator.Validate, error) {
	v := validator.New()
	if err := v.RegisterValidation("status", isKnownStatus); err != nil {
		return nil, fmt.Errorf("register status rule: %w", err)
	}
	return v, nil
}

func isKnownStatus(fl validator.FieldLevel) bool {
	return statemachine.IsKnown(types.Status(fl.Field().String()))
}

// ValidateRequests checks every record of a fetched collection. A single bad
// record invalidates the whole payload.
func ValidateRequests(v *validator.Validate, reqs []types.MaintenanceRequest) error {
	for i := range reqs {
		if err := v.Struct(&reqs[i]); err != nil {
			return fmt.Errorf("record %d (id %d): %w", i, reqs[i].ID, err)
		}
	}
	return nil
}
