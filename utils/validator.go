package utils

import (
	"errors"
	"fmt"
	"strings"

	"dripmail/models"

	"github.com/badoux/checkmail"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	enum := func(parse func(string) error) validator.Func {
		return func(fl validator.FieldLevel) bool {
			return parse(fl.Field().String()) == nil
		}
	}
	_ = v.RegisterValidation("mailbox", func(fl validator.FieldLevel) bool {
		return ValidateEmail(fl.Field().String()) == nil
	})
	_ = v.RegisterValidation("delaytype", enum(func(s string) error { _, err := models.ParseDelayType(s); return err }))
	_ = v.RegisterValidation("delayunit", enum(func(s string) error { _, err := models.ParseDelayUnit(s); return err }))
	_ = v.RegisterValidation("campaigntype", enum(func(s string) error { _, err := models.ParseCampaignType(s); return err }))
	_ = v.RegisterValidation("listtype", enum(func(s string) error { _, err := models.ParseListType(s); return err }))
	_ = v.RegisterValidation("listoptin", enum(func(s string) error { _, err := models.ParseListOptin(s); return err }))
	_ = v.RegisterValidation("templatetype", enum(func(s string) error { _, err := models.ParseTemplateType(s); return err }))
	_ = v.RegisterValidation("subscriberstatus", enum(func(s string) error { _, err := models.ParseSubscriberStatus(s); return err }))
	return v
}

// ValidateEmail checks the address format.
func ValidateEmail(email string) error {
	if err := checkmail.ValidateFormat(strings.TrimSpace(email)); err != nil {
		return fmt.Errorf("invalid email %q: %w", email, err)
	}
	return nil
}

func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	var msgs []string
	for _, err := range verrs {
		field := strings.ToLower(err.Field())
		param := err.Param()

		switch err.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "min":
			msgs = append(msgs, field+" must be at least "+param)
		case "max":
			msgs = append(msgs, field+" must be at most "+param)
		case "email", "mailbox":
			msgs = append(msgs, field+" must be a valid email")
		case "delaytype", "delayunit", "campaigntype", "listtype", "listoptin", "templatetype", "subscriberstatus":
			msgs = append(msgs, fmt.Sprintf("%s has unknown value %q", field, err.Value()))
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}

	return errors.New(strings.Join(msgs, ", "))
}
