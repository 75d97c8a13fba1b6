package order

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/iota-uz/async-orders/pkg/constants"
)

type CreateDTO struct {
	CustomerID string          `json:"customerId" validate:"required,max=64"`
	Amount     decimal.Decimal `json:"amount"`
}

func (d *CreateDTO) Normalize() {
	d.CustomerID = strings.TrimSpace(d.CustomerID)
}

// Ok validates the DTO and returns field -> message for every violation.
func (d *CreateDTO) Ok() (map[string]string, bool) {
	d.Normalize()

	errs := map[string]string{}
	if err := constants.Validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			errs["_"] = err.Error()
			return errs, false
		}
		for _, fe := range verrs {
			switch fe.Tag() {
			case "required":
				errs[fe.Field()] = "is required"
			case "max":
				errs[fe.Field()] = "must be at most " + fe.Param() + " characters"
			default:
				errs[fe.Field()] = "is invalid"
			}
		}
	}
	if !d.Amount.IsPositive() {
		errs["Amount"] = "must be greater than 0"
	} else if d.Amount.GreaterThan(MaxAmount) {
		errs["Amount"] = "must be at most " + MaxAmount.String()
	}
	return errs, len(errs) == 0
}
