package message

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/shule/core"
)

var (
	contentTypeTag  = "contenttype"
	contentTypeText = "must be one of: text, link, image, video, audio, file"
)

// InitValidators registers the message validators. core.InitValidators must be called first.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(contentTypeTag, contentTypeValidation)
	core.RegisterCustomTranslation(validate, translator, contentTypeTag, contentTypeText)
}

func contentTypeValidation(fl validator.FieldLevel) bool {
	_, ok := ParseContentType(fl.Field().String())
	return ok
}
