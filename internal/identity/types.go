package identity

import "pseudomat.org/internal/keys"

// Project is a local project record. Owners hold the private halves; a
// member view carries only the public keys and the project token.
type Project struct {
	ID        string
	Subject   string
	Issuer    string
	IssuedAt  int64
	PublicSig keys.JWK
	PublicEnc keys.JWK
	SecretSig keys.JWK
	SecretEnc keys.JWK
	Token     string
}

// IsOwner reports whether the private signing key is held locally.
func (p Project) IsOwner() bool { return p.SecretSig.IsPrivate() }

// Invite is an invitation minted by a local project owner. PublicToken is
// registered with the server, SecretToken is handed to the invitee.
type Invite struct {
	ID          string
	ProjectID   string
	Subject     string
	IssuedAt    int64
	PublicSig   keys.JWK
	PublicEnc   keys.JWK
	SecretSig   keys.JWK
	SecretEnc   keys.JWK
	PublicToken string
	SecretToken string
	RevokeToken string
}

// Revoked reports whether a revocation has been issued.
func (i Invite) Revoked() bool { return i.RevokeToken != "" }

// Membership is an accepted invite held by the invitee: the member's own
// key pair, the secret invite it was accepted with and the member token.
type Membership struct {
	ID          string
	ProjectID   string
	InviteID    string
	Subject     string
	IssuedAt    int64
	PublicSig   keys.JWK
	PublicEnc   keys.JWK
	SecretSig   keys.JWK
	SecretEnc   keys.JWK
	InviteToken string
	Token       string
}
