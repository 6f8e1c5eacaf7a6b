package jwt

import "github.com/golang-jwt/jwt"

// Payload is the claim set of the identity token issued by the community site once a
// member has signed in. The chat core only needs an opaque id and a display name.
type Payload struct {
	jwt.StandardClaims

	// ID is the member's opaque user id.
	ID string `json:"id"`

	// Name is the display name shown in rooms.
	Name string `json:"name"`
}
