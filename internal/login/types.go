// Package login implements the federated login state machine:
//
//	NoSession -> PendingAuthorization -> ValidatedCode -> Verified -> Session -> revoked|expired
//
// Each stage only accepts the marker type produced by the stage before it.
// The marker types have unexported fields, so code outside this package can
// hold them but never forge them.
package login

import (
	"github.com/dgellow/fedlogin/internal/idp"
	"github.com/dgellow/fedlogin/internal/storage"
)

// ValidatedCode is an authorization code whose state token was consumed by
// the Validator. The zero value is rejected by the Exchanger.
type ValidatedCode struct {
	code    string
	pending *storage.PendingAuthorization
}

func (v ValidatedCode) valid() bool {
	return v.code != "" && v.pending != nil
}

// ReturnURL is the local path the login started from
func (v ValidatedCode) ReturnURL() string {
	if v.pending == nil {
		return ""
	}
	return v.pending.ReturnURL
}

// Unverified is a string that claims to be an ID token. It came through a
// channel the server does not control and proves nothing by itself.
type Unverified string

// ValidatedAssertion is an Unverified token bound to a consumed popup state.
// The state check makes it single use; the signature is still unchecked.
type ValidatedAssertion struct {
	token   Unverified
	pending *storage.PendingAuthorization
}

func (v ValidatedAssertion) valid() bool {
	return v.token != "" && v.pending != nil
}

// ReturnURL is the local path the login started from
func (v ValidatedAssertion) ReturnURL() string {
	if v.pending == nil {
		return ""
	}
	return v.pending.ReturnURL
}

// ExternalIdentity is what the provider says about the user
type ExternalIdentity struct {
	ProviderType  string
	SubjectID     string
	Email         string
	EmailVerified bool
	DisplayName   string
	PictureURL    string
	HostedDomain  string
}

// SubjectKey is the provider-qualified subject, the only key users are linked by
func (e ExternalIdentity) SubjectKey() string {
	return e.ProviderType + ":" + e.SubjectID
}

func externalIdentity(id *idp.Identity) ExternalIdentity {
	return ExternalIdentity{
		ProviderType:  id.ProviderType,
		SubjectID:     id.Subject,
		Email:         id.Email,
		EmailVerified: id.EmailVerified,
		DisplayName:   id.Name,
		PictureURL:    id.Picture,
		HostedDomain:  id.Domain,
	}
}

// Verified is an identity whose provenance was checked: either a signed ID
// token that passed signature, issuer, audience, expiry and nonce checks, or
// a profile fetched with an access token the provider just issued to us.
// Only the Exchanger creates values of this type.
type Verified struct {
	identity   ExternalIdentity
	rawIDToken string
}

// Identity returns the verified identity
func (v Verified) Identity() ExternalIdentity {
	return v.identity
}

func (v Verified) valid() bool {
	return v.identity.ProviderType != "" && v.identity.SubjectID != ""
}
