//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

// placeholderDoc is served when `swag init` output has not been linked in.
type placeholderDoc struct{}

func (placeholderDoc) ReadDoc() string {
	return `{"swagger":"2.0","info":{"title":"modelwarden API","version":"1.0","description":"Run swag init to generate the full document."},"paths":{}}`
}

// MountSwagger serves the Swagger UI under /swagger/.
func MountSwagger(r chi.Router) {
	if _, err := swag.ReadDoc(); err != nil {
		swag.Register(swag.Name, placeholderDoc{})
	}
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
