package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// StreamClaims bind a carrier media stream to exactly one call session. The
// token travels as a custom parameter on the stream directive and is the
// only credential the media endpoint accepts.
type StreamClaims struct {
	jwt.RegisteredClaims

	SessionID string `json:"session_id"`
	LineID    string `json:"line_id"`
}

var ErrInvalidStreamToken = errors.New("auth: invalid stream token")

type StreamTokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewStreamTokens(secret string, ttl time.Duration) (*StreamTokens, error) {
	if secret == "" {
		return nil, errors.New("auth: stream token secret is required")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StreamTokens{secret: []byte(secret), issuer: "companion-voice", ttl: ttl}, nil
}

func (s *StreamTokens) Issue(now time.Time, sessionID, lineID string) (string, error) {
	if sessionID == "" || lineID == "" {
		return "", errors.New("auth: session and line are required")
	}
	claims := StreamClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
		SessionID: sessionID,
		LineID:    lineID,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.secret)
}

func (s *StreamTokens) Verify(tokenString string, now time.Time) (StreamClaims, error) {
	var claims StreamClaims

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30*time.Second),
		jwt.WithIssuer(s.issuer),
	)
	if _, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}); err != nil {
		return StreamClaims{}, errors.Join(ErrInvalidStreamToken, err)
	}
	if claims.SessionID == "" || claims.LineID == "" {
		return StreamClaims{}, ErrInvalidStreamToken
	}
	return claims, nil
}
