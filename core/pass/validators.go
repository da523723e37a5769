package pass

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/kibali/core"
)

var (
	passKindTag  = "passkind"
	passKindText = "invalid pass kind"
)

// InitValidators registers the pass package's custom validators.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(passKindTag, passKindValidation)
	core.RegisterCustomTranslation(validate, translator, passKindTag, passKindText)
}

func passKindValidation(fl validator.FieldLevel) bool {
	kind := Kind(fl.Field().String())
	for _, k := range Kinds {
		if kind == k {
			return true
		}
	}
	return false
}
