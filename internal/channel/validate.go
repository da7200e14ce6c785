package channel

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/nimasrn/campaign-pipeline/internal/model"
)

var validate = validator.New()

var addressRules = map[model.Channel]string{
	model.ChannelEmail:    "required,email",
	model.ChannelSMS:      "required,e164",
	model.ChannelWhatsApp: "required,e164",
	model.ChannelPush:     "required,printascii,min=8",
}

// ValidateAddress checks an address against the rule of its channel.
func ValidateAddress(ch model.Channel, address string) error {
	rule, ok := addressRules[ch]
	if !ok {
		return fmt.Errorf("unsupported channel %q", ch)
	}
	if err := validate.Var(address, rule); err != nil {
		return fmt.Errorf("invalid %s recipient %q: %w", strings.ToLower(string(ch)), address, err)
	}
	return nil
}

// PreSendCheck decides whether a contact can be addressed on ch at all.
// An empty reason means the contact is usable.
func PreSendCheck(ch model.Channel, contact *model.ContactRef) model.SkipReason {
	switch ch {
	case model.ChannelEmail:
		email := strings.TrimSpace(contact.Email)
		if email == "" {
			return model.SkipMissingEmail
		}
		if validate.Var(email, "email") != nil {
			return model.SkipInvalidEmail
		}
	case model.ChannelSMS, model.ChannelWhatsApp:
		if strings.TrimSpace(contact.Phone) == "" {
			return model.SkipMissingPhone
		}
	case model.ChannelPush:
		if strings.TrimSpace(contact.DeviceToken) == "" {
			return model.SkipMissingDeviceToken
		}
	}
	return ""
}

// RecipientFor picks the channel address of a contact. Phone numbers are
// brought to E.164, using countryCode for numbers stored without one.
func RecipientFor(ch model.Channel, contact *model.ContactRef, countryCode string) model.Recipient {
	r := model.Recipient{ContactID: contact.ID, Channel: ch, Name: displayName(contact)}
	switch ch {
	case model.ChannelEmail:
		r.Address = strings.TrimSpace(contact.Email)
	case model.ChannelSMS, model.ChannelWhatsApp:
		r.Address = NormalizePhone(contact.Phone, countryCode)
	case model.ChannelPush:
		r.Address = strings.TrimSpace(contact.DeviceToken)
	}
	return r
}

func displayName(contact *model.ContactRef) string {
	if n := contact.Attributes["name"]; n != "" {
		return n
	}
	return strings.TrimSpace(contact.Attributes["first_name"] + " " + contact.Attributes["last_name"])
}

// NormalizePhone strips formatting characters and returns the number in
// E.164 form. A 00 prefix is read as an international one. Without a plus,
// countryCode replaces the national trunk 0; when it is empty the digits are
// assumed to already start with a calling code.
func NormalizePhone(phone, countryCode string) string {
	var b strings.Builder
	plus := false
	for i, r := range strings.TrimSpace(phone) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			plus = true
		}
	}
	digits := b.String()

	switch {
	case digits == "":
		return ""
	case plus:
		return "+" + digits
	case strings.HasPrefix(digits, "00"):
		return "+" + digits[2:]
	case countryCode != "":
		return "+" + countryCode + strings.TrimPrefix(digits, "0")
	}
	return "+" + digits
}
