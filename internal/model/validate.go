package model

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate is shared by the store boundary and the HTTP handlers.
var Validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Prices validate as their float value so numeric tags work on them.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if p, ok := field.Interface().(Price); ok {
			return p.Float()
		}
		return nil
	}, Price{})
	v.RegisterStructValidation(positionLevel, PositionConfig{})
	return v
}

// positionLevel enforces the cross-field rules of a PositionConfig.
func positionLevel(sl validator.StructLevel) {
	p := sl.Current().Interface().(PositionConfig)
	if p.AlertUp.IsNegative() {
		sl.ReportError(p.AlertUp, "AlertUp", "alert_up", "gte", "0")
	}
	if p.AlertDown.IsNegative() {
		sl.ReportError(p.AlertDown, "AlertDown", "alert_down", "gte", "0")
	}
	if p.State != StateOpen {
		return
	}
	if !p.EntryPoint.IsPositive() {
		sl.ReportError(p.EntryPoint, "EntryPoint", "entry_point", "open_requires_entry", "")
	}
	if !p.TakeProfit.GreaterThan(p.EntryPoint.Decimal) {
		sl.ReportError(p.TakeProfit, "TakeProfit", "take_profit", "gtfield", "EntryPoint")
	}
	if !p.StopLoss.IsPositive() || !p.StopLoss.LessThan(p.EntryPoint.Decimal) {
		sl.ReportError(p.StopLoss, "StopLoss", "stop_loss", "ltfield", "EntryPoint")
	}
}

// ValidatePosition checks cfg and flattens validator errors into one
// message wrapped with ErrMalformedRecord.
func ValidatePosition(cfg PositionConfig) error {
	err := Validate.Struct(cfg)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return fmt.Errorf("%w: %s", ErrMalformedRecord, FieldErrors(verrs))
}

// FieldErrors renders validation errors as "field tag" pairs.
func FieldErrors(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		if fe.Tag() == "required" {
			msgs = append(msgs, field+" is required")
		} else {
			msgs = append(msgs, field+" is invalid ("+fe.Tag()+")")
		}
	}
	return strings.Join(msgs, "; ")
}
