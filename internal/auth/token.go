// Package auth verifies and issues the identity tokens devices present when
// they open a signaling channel.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/Beam/internal/domain"
	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrMissingToken indicates that the request carried no token at all
	ErrMissingToken = errors.New("missing token")

	// ErrInvalidToken indicates a bad signature, malformed token or bad claims
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired indicates that the token has expired
	ErrTokenExpired = errors.New("token expired")
)

// Reason maps a verification error to the short reason sent to clients.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "MissingToken"
	case errors.Is(err, ErrTokenExpired):
		return "TokenExpired"
	default:
		return "InvalidToken"
	}
}

// Verifier turns a token into identity claims or rejects it.
type Verifier interface {
	Verify(token string) (domain.Claims, error)
}

// tokenClaims is the JWT body. Field names follow the tokens the web
// client already issues.
type tokenClaims struct {
	UserID     string `json:"userId"`
	DeviceType string `json:"deviceType"`
	Username   string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// JWTService signs and validates HS256 tokens with a shared secret.
type JWTService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTService(secret string, ttl time.Duration) *JWTService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTService{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for the given identity.
func (s *JWTService) Issue(c domain.Claims) (string, error) {
	now := s.now()
	claims := &tokenClaims{
		UserID:     string(c.UserID),
		DeviceType: string(c.DeviceClass),
		Username:   c.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   string(c.UserID),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Verify validates the token and returns the identity it carries.
func (s *JWTService) Verify(tokenString string) (domain.Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return domain.Claims{}, ErrMissingToken
	}

	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return domain.Claims{}, ErrTokenExpired
		}
		return domain.Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return domain.Claims{}, ErrInvalidToken
	}

	uid := domain.UserID(claims.UserID)
	if err := uid.Validate(); err != nil {
		return domain.Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	class, err := domain.ParseDeviceClass(claims.DeviceType)
	if err != nil {
		return domain.Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return domain.Claims{UserID: uid, DeviceClass: class, Username: claims.Username}, nil
}

// ExtractToken reads the token from the Authorization header, falling back
// to the token query parameter used by browser WebSockets.
func ExtractToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if t := strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")); t != "" {
			return t, nil
		}
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", ErrMissingToken
}
