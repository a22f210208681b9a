package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ContactInfo is the registrant contact record required by registrars.
type ContactInfo struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Street      string `json:"street"`
	City        string `json:"city"`
	PostalCode  string `json:"postalCode"`
	CountryCode string `json:"countryCode"`
}

var (
	// ErrInvalidContact indicates a malformed or incomplete registrant contact record.
	ErrInvalidContact = errors.New("domain: invalid contact info")
	// ErrInvalidDomainName indicates the requested name is not a well-formed domain.
	ErrInvalidDomainName = errors.New("domain: invalid domain name")
)

var (
	emailPattern  = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern  = regexp.MustCompile(`^\+?[0-9 .\-()]{6,20}$`)
	domainPattern = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)
)

// Validate checks the contact record before it is sent to any external system.
func (c ContactInfo) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(c.Street) == "" {
		missing = append(missing, "street")
	}
	if strings.TrimSpace(c.City) == "" {
		missing = append(missing, "city")
	}
	if strings.TrimSpace(c.PostalCode) == "" {
		missing = append(missing, "postalCode")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidContact, strings.Join(missing, ", "))
	}
	if !emailPattern.MatchString(strings.TrimSpace(c.Email)) {
		return fmt.Errorf("%w: email", ErrInvalidContact)
	}
	if !phonePattern.MatchString(strings.TrimSpace(c.Phone)) {
		return fmt.Errorf("%w: phone", ErrInvalidContact)
	}
	if code := strings.TrimSpace(c.CountryCode); len(code) != 2 || strings.ToUpper(code) != code {
		return fmt.Errorf("%w: countryCode must be an ISO 3166-1 alpha-2 code", ErrInvalidContact)
	}
	return nil
}

// Normalize trims whitespace and canonicalises fields for storage.
func (c ContactInfo) Normalize() ContactInfo {
	return ContactInfo{
		Name:        strings.TrimSpace(c.Name),
		Email:       strings.ToLower(strings.TrimSpace(c.Email)),
		Phone:       strings.TrimSpace(c.Phone),
		Street:      strings.TrimSpace(c.Street),
		City:        strings.TrimSpace(c.City),
		PostalCode:  strings.TrimSpace(c.PostalCode),
		CountryCode: strings.ToUpper(strings.TrimSpace(c.CountryCode)),
	}
}

// ValidateDomainName checks the requested name is a well-formed, lowercased FQDN.
func ValidateDomainName(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || len(name) > 253 {
		return ErrInvalidDomainName
	}
	if !domainPattern.MatchString(name) {
		return ErrInvalidDomainName
	}
	return nil
}

// NormalizeDomainName lowercases and trims a domain name for comparison and storage.
func NormalizeDomainName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
