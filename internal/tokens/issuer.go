package tokens

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VideoGrant is the room permission block carried in a LiveKit access token.
type VideoGrant struct {
	RoomJoin       bool   `json:"roomJoin,omitempty"`
	Room           string `json:"room,omitempty"`
	CanPublish     bool   `json:"canPublish"`
	CanSubscribe   bool   `json:"canSubscribe"`
	CanPublishData bool   `json:"canPublishData"`
}

// Claims are the only access-token claims this service issues.
type Claims struct {
	jwt.RegisteredClaims

	Name  string     `json:"name,omitempty"`
	Video VideoGrant `json:"video"`
}

var (
	ErrMissingCredentials = errors.New("tokens: api key and secret are required")
	ErrInvalidGrant       = errors.New("tokens: room and identity are required")
)

// Issuer signs room tokens with an API key/secret pair.
type Issuer struct {
	apiKey string
	secret []byte
	ttl    time.Duration
}

func NewIssuer(apiKey, apiSecret string, ttl time.Duration) (*Issuer, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, ErrMissingCredentials
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{apiKey: apiKey, secret: []byte(apiSecret), ttl: ttl}, nil
}

/* ===================== ISSUE ===================== */

func (i *Issuer) Issue(now time.Time, room, identity string) (string, error) {
	if room == "" || identity == "" {
		return "", ErrInvalidGrant
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.apiKey,
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Name: identity,
		Video: VideoGrant{
			RoomJoin:       true,
			Room:           room,
			CanPublish:     true,
			CanSubscribe:   true,
			CanPublishData: true,
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(i.secret)
}

/* ===================== VERIFY ===================== */

// Verify checks signature, timing and issuer, and that the grant joins a room.
func (i *Issuer) Verify(tokenString string, now time.Time) (Claims, error) {
	var claims Claims

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}

	validator := jwt.NewValidator(
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30*time.Second), // clock skew tolerance
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(i.apiKey),
	)
	if err := validator.Validate(claims.RegisteredClaims); err != nil {
		return Claims{}, err
	}

	if claims.Subject == "" {
		return Claims{}, errors.New("sub missing")
	}
	if !claims.Video.RoomJoin || claims.Video.Room == "" {
		return Claims{}, errors.New("room grant missing")
	}
	return claims, nil
}
