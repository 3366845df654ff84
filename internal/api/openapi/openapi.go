// Пакет openapi - встроенная OpenAPI-спецификация bloodlink и middleware
// валидации входящих запросов по ней (kin-openapi).
package openapi

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"

	apierrors "github.com/bigkaa/bloodlink/internal/api/errors"
)

//go:embed openapi.yaml
var specYAML []byte

// Spec возвращает исходный YAML спецификации.
func Spec() []byte {
	return specYAML
}

// Load разбирает и проверяет встроенную спецификацию.
func Load(ctx context.Context) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	doc, err := loader.LoadFromData(specYAML)
	if err != nil {
		return nil, fmt.Errorf("разбор OpenAPI спецификации: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("некорректная OpenAPI спецификация: %w", err)
	}
	return doc, nil
}

// Validator проверяет запросы на соответствие спецификации.
type Validator struct {
	router routers.Router
	logger *slog.Logger
}

// NewValidator создаёт валидатор по разобранной спецификации.
func NewValidator(doc *openapi3.T, logger *slog.Logger) (*Validator, error) {
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("создание OpenAPI router: %w", err)
	}
	return &Validator{
		router: router,
		logger: logger.With(slog.String("component", "openapi_validator")),
	}, nil
}

// Middleware возвращает HTTP middleware валидации.
// Запросы к путям, которых нет в спецификации (/metrics, /openapi.yaml),
// пропускаются без проверки: на них ответит сам router.
func (v *Validator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, pathParams, err := v.router.FindRoute(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options: &openapi3filter.Options{
					AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
				},
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				msg := requestErrorMessage(err)
				v.logger.Debug("Запрос не прошёл валидацию",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("error", msg),
				)
				apierrors.ValidationError(w, msg)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requestErrorMessage формирует короткое сообщение об ошибке валидации.
func requestErrorMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		var schemaErr *openapi3.SchemaError
		switch {
		case reqErr.Parameter != nil:
			return fmt.Sprintf("параметр %s: %s", reqErr.Parameter.Name, reasonOf(reqErr))
		case errors.As(reqErr.Err, &schemaErr):
			field := strings.Join(schemaErr.JSONPointer(), ".")
			if field == "" {
				return "тело запроса: " + schemaErr.Reason
			}
			return fmt.Sprintf("поле %s: %s", field, schemaErr.Reason)
		case reqErr.RequestBody != nil:
			return "тело запроса: " + reasonOf(reqErr)
		}
	}
	return err.Error()
}

func reasonOf(e *openapi3filter.RequestError) string {
	if e.Reason != "" {
		return e.Reason
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "некорректное значение"
}

// ServeSpec отдаёт встроенную спецификацию (GET /openapi.yaml).
func ServeSpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(specYAML)
}
