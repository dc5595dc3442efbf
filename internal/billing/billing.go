// Package billing converts token and transcription usage into dollars.
//
// Voice transcription is priced per minute while completions are priced per
// token. To keep a single usage counter per user, transcribed minutes are
// converted into the number of completion tokens that would have cost the
// same amount.
package billing

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Pricing holds the dollar rates used for billing.
type Pricing struct {
	// PerThousandTokens is the price of 1000 completion tokens.
	PerThousandTokens float64 `yaml:"per_1000_tokens"`

	// WhisperPerMinute is the price of one minute of transcription.
	WhisperPerMinute float64 `yaml:"whisper_per_minute"`
}

// DefaultPricing matches the published gpt-3.5-turbo and whisper-1 rates.
var DefaultPricing = Pricing{
	PerThousandTokens: 0.002,
	WhisperPerMinute:  0.006,
}

// Validate reports invalid rates.
func (p Pricing) Validate() error {
	var errs []error
	if p.PerThousandTokens <= 0 {
		errs = append(errs, errors.New("billing: per_1000_tokens must be positive"))
	}
	if p.WhisperPerMinute < 0 {
		errs = append(errs, errors.New("billing: whisper_per_minute must not be negative"))
	}
	return errors.Join(errs...)
}

// TokensToDollars returns the price of n completion tokens.
func (p Pricing) TokensToDollars(n int64) float64 {
	return float64(n) * p.PerThousandTokens / 1000
}

// VoiceTokens converts a transcription of length d into the number of
// completion tokens with the same price. The result is truncated toward zero.
func (p Pricing) VoiceTokens(d time.Duration) int64 {
	if d <= 0 || p.PerThousandTokens <= 0 {
		return 0
	}
	dollars := d.Minutes() * p.WhisperPerMinute
	// The epsilon absorbs float error so whole results are not truncated
	// to one less.
	return int64(dollars/(p.PerThousandTokens/1000) + 1e-6)
}

// Balance is a user's accumulated spend.
type Balance struct {
	UsedTokens int64
	Dollars    float64
}

// BalanceFor computes the balance for a token count.
func (p Pricing) BalanceFor(usedTokens int64) Balance {
	return Balance{UsedTokens: usedTokens, Dollars: p.TokensToDollars(usedTokens)}
}

// Report renders b and the price list as HTML for a chat reply.
func (p Pricing) Report(b Balance) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You spent <b>%.03f$</b>\n", b.Dollars)
	fmt.Fprintf(&sb, "You used <b>%d</b> tokens\n\n", b.UsedTokens)
	sb.WriteString("🏷️ Prices\n")
	fmt.Fprintf(&sb, "<i>- ChatGPT: %s$ per 1000 tokens\n", formatPrice(p.PerThousandTokens))
	fmt.Fprintf(&sb, "- Whisper (voice recognition): %s$ per 1 minute</i>", formatPrice(p.WhisperPerMinute))
	return sb.String()
}

// formatPrice prints a rate without trailing zeros.
func formatPrice(v float64) string {
	s := fmt.Sprintf("%.6f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
