// Package messaging delivers interview replies to end users over WhatsApp.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ChannelPrefix marks a WhatsApp address in conversation channels and Twilio payloads.
const ChannelPrefix = "whatsapp:"

// MinPhoneDigits is the shortest phone number accepted as a recipient.
const MinPhoneDigits = 6

var (
	ErrInvalidRecipient = errors.New("invalid recipient")
	nonDigitRe          = regexp.MustCompile(`\D`)
)

// Sender delivers a message body to a channel address.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// CanonicalRecipient normalises a channel address to "whatsapp:+<digits>".
// The whatsapp: prefix, spaces and punctuation are optional on input.
func CanonicalRecipient(recipient string) (string, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(recipient), ChannelPrefix)
	digits := nonDigitRe.ReplaceAllString(raw, "")
	if digits == "" {
		return "", fmt.Errorf("%w: no digits found in %q", ErrInvalidRecipient, recipient)
	}
	if len(digits) < MinPhoneDigits {
		return "", fmt.Errorf("%w: %q is too short (minimum %d digits required)", ErrInvalidRecipient, digits, MinPhoneDigits)
	}
	return ChannelPrefix + "+" + digits, nil
}
