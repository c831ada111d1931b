package services

import (
	"errors"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// LinkValidator accepts absolute http(s) URLs whose host is Domain or one of
// its subdomains. An empty Domain accepts any host. Build it with
// NewLinkValidator.
type LinkValidator struct {
	Domain string
	v      *validator.Validate
}

// NewLinkValidator builds a validator for the given product domain.
func NewLinkValidator(domain string) *LinkValidator {
	l := &LinkValidator{Domain: normalizeHost(domain)}
	l.v = validator.New()
	_ = l.v.RegisterValidation("product_host", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		if err != nil {
			return false
		}
		return l.hostAllowed(u.Hostname())
	})
	return l
}

// Validate returns nil, ErrLinkMalformed or ErrLinkForeignHost.
func (l *LinkValidator) Validate(raw string) error {
	err := l.v.Var(strings.TrimSpace(raw), "required,http_url,product_host")
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Tag() == "product_host" {
		return ErrLinkForeignHost
	}
	return ErrLinkMalformed
}

func (l *LinkValidator) hostAllowed(host string) bool {
	if l.Domain == "" {
		return true
	}
	host = normalizeHost(host)
	return host == l.Domain || strings.HasSuffix(host, "."+l.Domain)
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}
