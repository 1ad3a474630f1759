package fees

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/shopspring/decimal"
)

// Amounts are stored as numeric(14,2): two decimal places, below 10^12.
const AmountScale = 2

var MaxAmount = decimal.New(1, 12).Sub(decimal.New(1, -AmountScale))

var (
	// custom validation tags
	notBlankTag        = "notblank"
	positiveAmountTag  = "positive_amount"
	zeroAmountTag      = "zero_amount"
	receiverOnlineTag  = "receiver_online"
	receiverOfflineTag = "receiver_offline"
	distinctMonthsTag  = "distinct_months"
	statusKindTag      = "status_kind"
	requiredDateTag    = "required_date"
	paymentFieldsTag   = "payment_fields_only"
	paymentModeTag     = "payment_mode"
	amountScaleTag     = "amount_scale"
	amountMaxTag       = "amount_max"
)

// Validator checks intake input with go-playground/validator and reports
// failures as *ValidationError keyed by JSON field names.
type Validator struct {
	validate   *validator.Validate
	translator ut.Translator
}

var (
	defaultValidator     *Validator
	defaultValidatorOnce sync.Once
)

// DefaultValidator returns the shared Validator.
func DefaultValidator() *Validator {
	defaultValidatorOnce.Do(func() { defaultValidator = NewValidator() })
	return defaultValidator
}

func NewValidator() *Validator {
	v := validator.New()

	_en := en.New()
	uni := ut.New(_en, _en)
	trans, _ := uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(v, trans)

	// Use JSON tag names for errors instead of Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation(notBlankTag, notBlankValidation)
	v.RegisterStructValidation(paymentInputStructValidation, PaymentInput{})
	v.RegisterStructValidation(statusInputStructValidation, StatusInput{})
	v.RegisterStructValidation(feeEventStructValidation, eventForm{})

	registerFn := func(ut.Translator) error { return nil }
	for _, tag := range []string{notBlankTag, positiveAmountTag, zeroAmountTag, receiverOnlineTag,
		receiverOfflineTag, distinctMonthsTag, statusKindTag, requiredDateTag, paymentFieldsTag, paymentModeTag,
		amountScaleTag, amountMaxTag} {
		_ = v.RegisterTranslation(tag, trans, registerFn, translateCustomValidationErrs)
	}

	return &Validator{validate: v, translator: trans}
}

// Struct validates s and converts failures into *ValidationError.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{Field: fieldPath(fe), Error: fe.Translate(v.translator)})
	}
	return out
}

// fieldPath drops the leading struct name: "PaymentInput.months[1].month_index"
// becomes "months[1].month_index".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func translateCustomValidationErrs(_ ut.Translator, fe validator.FieldError) string {
	switch fe.Tag() {
	case notBlankTag:
		return "this field cannot be blank"
	case positiveAmountTag:
		return "amount must be greater than zero"
	case zeroAmountTag:
		return "amount must be zero for status events"
	case receiverOnlineTag:
		return "a receiver is required for online payments"
	case receiverOfflineTag:
		return "offline payments cannot have a receiver"
	case distinctMonthsTag:
		return "each fees month can be selected only once"
	case statusKindTag:
		return "must be NEW_ADMISSION or EXEMPTED"
	case requiredDateTag:
		return "this field is required"
	case paymentFieldsTag:
		return "only payments carry a payment mode or receiver"
	case paymentModeTag:
		return "must be Online or Offline"
	case amountScaleTag:
		return fmt.Sprintf("amount cannot have more than %d decimal places", AmountScale)
	case amountMaxTag:
		return fmt.Sprintf("amount cannot exceed %s", MaxAmount.StringFixed(AmountScale))
	default:
		return ""
	}
}

// Custom Validators

func notBlankValidation(fl validator.FieldLevel) bool {
	if fl.Field().Kind() == reflect.String {
		return strings.TrimSpace(fl.Field().String()) != ""
	}
	return false
}

func paymentInputStructValidation(sl validator.StructLevel) {
	in, ok := sl.Current().Interface().(PaymentInput)
	if !ok {
		return
	}
	reportPaymentAmount(sl, in.Amount)
	if in.EntryDate.IsZero() {
		sl.ReportError(in.EntryDate, "entry_date", "EntryDate", requiredDateTag, "")
	}
	reportReceiverRule(sl, in.Mode, in.Receiver)

	seen := make(map[MonthKey]bool, len(in.Months))
	for _, m := range in.Months {
		if seen[m] {
			sl.ReportError(in.Months, "months", "Months", distinctMonthsTag, "")
			break
		}
		seen[m] = true
	}
}

func statusInputStructValidation(sl validator.StructLevel) {
	in, ok := sl.Current().Interface().(StatusInput)
	if !ok {
		return
	}
	if in.Kind != KindNewAdmission && in.Kind != KindExempted {
		sl.ReportError(in.Kind, "kind", "Kind", statusKindTag, "")
	}
	if in.EntryDate.IsZero() {
		sl.ReportError(in.EntryDate, "entry_date", "EntryDate", requiredDateTag, "")
	}
}

func feeEventStructValidation(sl validator.StructLevel) {
	ev, ok := sl.Current().Interface().(eventForm)
	if !ok {
		return
	}
	if ev.Kind != KindPayment {
		if !ev.Amount.IsZero() {
			sl.ReportError(ev.Amount, "amount", "Amount", zeroAmountTag, "")
		}
		if ev.Mode != "" || ev.Receiver != "" {
			sl.ReportError(ev.Mode, "payment_mode", "Mode", paymentFieldsTag, "")
		}
		return
	}
	reportPaymentAmount(sl, ev.Amount)
	if !ev.Mode.Valid() {
		sl.ReportError(ev.Mode, "payment_mode", "Mode", paymentModeTag, "")
	}
	reportReceiverRule(sl, ev.Mode, ev.Receiver)
}

func reportPaymentAmount(sl validator.StructLevel, amount decimal.Decimal) {
	switch {
	case !amount.IsPositive():
		sl.ReportError(amount, "amount", "Amount", positiveAmountTag, "")
	case !amount.Equal(amount.Round(AmountScale)):
		sl.ReportError(amount, "amount", "Amount", amountScaleTag, "")
	case amount.GreaterThan(MaxAmount):
		sl.ReportError(amount, "amount", "Amount", amountMaxTag, "")
	}
}

func reportReceiverRule(sl validator.StructLevel, mode PaymentMode, receiver string) {
	hasReceiver := strings.TrimSpace(receiver) != ""
	switch {
	case mode == ModeOnline && !hasReceiver:
		sl.ReportError(receiver, "payment_receiver", "Receiver", receiverOnlineTag, "")
	case mode == ModeOffline && hasReceiver:
		sl.ReportError(receiver, "payment_receiver", "Receiver", receiverOfflineTag, "")
	}
}
