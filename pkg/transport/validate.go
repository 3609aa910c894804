package transport

import (
    "errors"
    "reflect"
    "strings"
    "sync"

    "github.com/go-playground/validator/v10"
)

var (
    validateOnce sync.Once
    validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
    validateOnce.Do(func() {
        validate = validator.New()
        validate.RegisterTagNameFunc(func(f reflect.StructField) string {
            name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
            if name == "-" { return "" }
            return name
        })
    })
    return validate
}

// Validate checks v against its struct tags. A violation is returned as a
// schema Problem naming the offending fields.
func Validate(v any) error {
    err := validatorInstance().Struct(v)
    if err == nil { return nil }
    var verrs validator.ValidationErrors
    if !errors.As(err, &verrs) { return SchemaViolation(err.Error()) }
    parts := make([]string, 0, len(verrs))
    for _, fe := range verrs {
        parts = append(parts, fe.Namespace()+" failed "+fe.Tag())
    }
    return SchemaViolation(strings.Join(parts, "; "))
}
