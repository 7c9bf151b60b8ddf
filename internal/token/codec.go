package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"rollcall/internal/geo"
)

// Decode failure kinds. Anything presented by a scanner is attacker
// controlled, so Decode never panics and always returns one of these.
var (
	// ErrMalformed means the string is not a structurally valid token.
	ErrMalformed = errors.New("token: malformed")
	// ErrTagMismatch means the payload parsed but its integrity tag does not
	// verify: the token was tampered with or signed with a different key.
	ErrTagMismatch = errors.New("token: integrity tag mismatch")
)

// Payload is the decoded content of an attendance token. It carries the
// session fields redundantly so structural checks need no store lookup.
type Payload struct {
	SessionID uuid.UUID
	CourseID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Fence     *geo.Fence
}

type claims struct {
	CourseID string     `json:"cid"`
	Fence    *geo.Fence `json:"geo,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and verifies attendance tokens. Tokens are compact HS256 JWTs:
// URL- and QR-safe, with the HMAC tag covering the full payload and compared
// in constant time by the verifier.
type Codec struct {
	key    []byte
	issuer string
	now    func() time.Time
	parser *jwt.Parser
}

// NewCodec builds a codec around a server-held secret. now is injected so
// tests control issuance time; nil means wall clock.
func NewCodec(key []byte, issuer string, now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{
		key:    key,
		issuer: issuer,
		now:    now,
		// Expiry is the redemption arbiter's call, made against the live
		// session; the codec checks structure and signature only.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256"}),
			jwt.WithoutClaimsValidation(),
		),
	}
}

// Encode mints the signed token string for a session.
func (c *Codec) Encode(p Payload) (string, error) {
	cl := claims{
		CourseID: p.CourseID,
		Fence:    p.Fence,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   p.SessionID.String(),
			IssuedAt:  jwt.NewNumericDate(p.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(p.ExpiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(c.key)
}

// Decode verifies tokenStr and returns its payload. On failure it returns
// ErrTagMismatch for signature failures and ErrMalformed for everything else.
func (c *Codec) Decode(tokenStr string) (Payload, error) {
	var cl claims
	parsed, err := c.parser.ParseWithClaims(tokenStr, &cl, func(t *jwt.Token) (interface{}, error) {
		return c.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return Payload{}, ErrTagMismatch
		}
		return Payload{}, ErrMalformed
	}
	if !parsed.Valid {
		return Payload{}, ErrTagMismatch
	}
	if c.issuer != "" && cl.Issuer != c.issuer {
		return Payload{}, ErrMalformed
	}
	if cl.IssuedAt == nil || cl.ExpiresAt == nil {
		return Payload{}, ErrMalformed
	}
	sid, err := uuid.Parse(cl.Subject)
	if err != nil {
		return Payload{}, ErrMalformed
	}
	return Payload{
		SessionID: sid,
		CourseID:  cl.CourseID,
		IssuedAt:  cl.IssuedAt.Time,
		ExpiresAt: cl.ExpiresAt.Time,
		Fence:     cl.Fence,
	}, nil
}
