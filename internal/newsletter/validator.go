package newsletter

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/newsletter/internal/model"
)

// emailPattern は購読可能なメールアドレスの形を表す。
// 空白と@を含まないローカル部、@、ドットを1つ以上含むドメイン部。
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// SubscribeRequest は購読リクエストの入力。
type SubscribeRequest struct {
	Email    string `json:"email" validate:"required,subscriber_email,max=320"`
	Name     string `json:"name" validate:"max=255"`
	Source   string `json:"source" validate:"required,max=255"`
	Page     string `json:"page" validate:"required,max=2048"`
	Honeypot string `json:"honeypot" validate:"-"`
}

// UnsubscribeRequest は購読解除リクエストの入力。
type UnsubscribeRequest struct {
	Email string `json:"email" validate:"required"`
}

// Validator は購読・購読解除リクエストの入力検証を行う。
type Validator struct {
	validate *validator.Validate
}

// NewValidator は新しいValidatorを生成する。
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// エラーのフィールド名をJSONタグ名で報告する
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	v.RegisterValidation("subscriber_email", func(fl validator.FieldLevel) bool {
		return emailPattern.MatchString(fl.Field().String())
	})

	return &Validator{validate: v}
}

// ValidateSubscribe は購読リクエストを検証する。
// 各フィールドは前後の空白を除去してから検証し、空白のみの値は未入力として扱う。
// 戻り値のリクエストは空白除去済み。emailの小文字化は行わない。
func (v *Validator) ValidateSubscribe(req SubscribeRequest) (SubscribeRequest, error) {
	req.Email = strings.TrimSpace(req.Email)
	req.Name = strings.TrimSpace(req.Name)
	req.Source = strings.TrimSpace(req.Source)
	req.Page = strings.TrimSpace(req.Page)

	if err := v.validate.Struct(req); err != nil {
		return req, toAPIError(err)
	}
	return req, nil
}

// ValidateUnsubscribe は購読解除リクエストを検証する。
func (v *Validator) ValidateUnsubscribe(req UnsubscribeRequest) (UnsubscribeRequest, error) {
	req.Email = strings.TrimSpace(req.Email)

	if err := v.validate.Struct(req); err != nil {
		return req, toAPIError(err)
	}
	return req, nil
}

// toAPIError はvalidatorのエラーを統一エラーに変換する。
// 優先順位は 未入力 > email形式 > 長さ超過。
func toAPIError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	var missing []string
	var invalidEmail bool
	var tooLong validator.FieldError

	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			missing = append(missing, fe.Field())
		case "subscriber_email":
			invalidEmail = true
		case "max":
			if tooLong == nil {
				tooLong = fe
			}
		}
	}

	switch {
	case len(missing) > 0:
		return model.NewMissingFieldError(missing...)
	case invalidEmail:
		return model.NewInvalidEmailError()
	case tooLong != nil:
		return model.NewFieldTooLongError(tooLong.Field(), tooLong.Param())
	}
	return model.NewInvalidRequestError()
}
