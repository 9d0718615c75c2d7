package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/utils"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingToken = errors.New("missing token")
)

const tokenIssuer = "meshroom"

type Claims struct {
	Handle      domain.PeerHandle `json:"peer_handle"`
	DisplayName string            `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

type identityService struct {
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// NewIdentityService returns an HMAC JWT backed identity provider.
func NewIdentityService(jwtSecret string, tokenTTL time.Duration) ports.IdentityService {
	return &identityService{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		now:       time.Now,
	}
}

func (s *identityService) IssueToken(identity domain.Identity) (string, error) {
	if identity.Handle == "" {
		identity.Handle = domain.PeerHandle(utils.GeneratePeerHandle())
	}
	now := s.now()
	claims := &Claims{
		Handle:      identity.Handle,
		DisplayName: identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   string(identity.Handle),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *identityService) Resolve(ctx context.Context, tokenString string) (domain.Identity, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return domain.Identity{}, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Identity{}, ErrExpiredToken
		}
		return domain.Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Handle == "" {
		return domain.Identity{}, ErrInvalidToken
	}

	return domain.Identity{
		Handle:      claims.Handle,
		DisplayName: utils.FirstNonEmpty(claims.DisplayName, utils.DefaultDisplayName(string(claims.Handle))),
	}, nil
}
