package policy

import (
	"crypto/subtle"
	"errors"

	"github.com/ent0n29/chirpchat/internal/signature"
)

// Decision codes returned to clients.
const (
	CodeNoInput          = "no_input"
	CodeInvalidPassword  = "invalid_password"
	CodeInvalidSignature = "invalid_signature"
)

type AccessDecision struct {
	Allowed bool
	Code    string
	Reason  string
}

// Gate checks the site passphrase and request signature before any
// upstream call is made.
type Gate struct {
	SitePassword     string
	RequireSignature bool
	Verifier         signature.Verifier
}

// Authorize validates one request. lastContent is the content of the final
// message in the request, which the signature binds together with timestampMS.
func (g Gate) Authorize(pass string, timestampMS int64, lastContent, sign string) AccessDecision {
	if g.SitePassword != "" && subtle.ConstantTimeCompare([]byte(g.SitePassword), []byte(pass)) != 1 {
		return AccessDecision{Code: CodeInvalidPassword, Reason: "Invalid password."}
	}
	if g.RequireSignature {
		if err := g.Verifier.Verify(timestampMS, lastContent, sign); err != nil {
			reason := "Invalid signature."
			if errors.Is(err, signature.ErrStaleTimestamp) {
				reason = "Request expired, check the client clock."
			}
			return AccessDecision{Code: CodeInvalidSignature, Reason: reason}
		}
	}
	return AccessDecision{Allowed: true}
}
