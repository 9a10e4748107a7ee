package sponsorship

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/christmasforkids/cfk-sponsorship/internal/models"
)

const (
	maxNameLen    = 100
	maxEmailLen   = 254
	maxPhoneLen   = 20
	maxAddressLen = 255
	maxMessageLen = 1000
	maxReasonLen  = 500
)

var (
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	phoneRegex = regexp.MustCompile(`^[0-9+\-(). ]{7,}$`)
)

// ValidateSponsor normalises the form and returns the sponsorship it describes,
// or one message per problem found.
func ValidateSponsor(d models.SponsorData) (*models.Sponsorship, []string) {
	var problems []string

	name := collapseSpaces(d.Name)
	switch {
	case name == "":
		problems = append(problems, "Name is required.")
	case utf8.RuneCountInString(name) > maxNameLen:
		problems = append(problems, fmt.Sprintf("Name must be at most %d characters.", maxNameLen))
	}

	email := strings.ToLower(strings.TrimSpace(d.Email))
	switch {
	case email == "":
		problems = append(problems, "Email is required.")
	case len(email) > maxEmailLen:
		problems = append(problems, fmt.Sprintf("Email must be at most %d characters.", maxEmailLen))
	case !emailRegex.MatchString(email):
		problems = append(problems, "Email address is not valid.")
	}

	phone := strings.TrimSpace(d.Phone)
	if phone != "" {
		switch {
		case utf8.RuneCountInString(phone) > maxPhoneLen:
			problems = append(problems, fmt.Sprintf("Phone must be at most %d characters.", maxPhoneLen))
		case !phoneRegex.MatchString(phone):
			problems = append(problems, "Phone may contain only digits, spaces and + - ( ) .")
		}
	}

	address := strings.TrimSpace(d.Address)
	if utf8.RuneCountInString(address) > maxAddressLen {
		problems = append(problems, fmt.Sprintf("Address must be at most %d characters.", maxAddressLen))
	}

	message := strings.TrimSpace(d.Message)
	if utf8.RuneCountInString(message) > maxMessageLen {
		problems = append(problems, fmt.Sprintf("Message must be at most %d characters.", maxMessageLen))
	}

	gift, err := models.ParseGiftPreference(d.GiftPreference)
	if err != nil {
		problems = append(problems, "Gift preference must be unwrapped, wrapped or gift_card.")
	}

	if len(problems) > 0 {
		return nil, problems
	}
	return &models.Sponsorship{
		SponsorName:    name,
		SponsorEmail:   email,
		SponsorPhone:   phone,
		SponsorAddress: address,
		GiftPreference: gift,
		Message:        message,
		Status:         models.SponsorshipPending,
	}, nil
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func cleanReason(s string, def string) string {
	s = collapseSpaces(s)
	if s == "" {
		return def
	}
	if utf8.RuneCountInString(s) > maxReasonLen {
		s = string([]rune(s)[:maxReasonLen])
	}
	return s
}
