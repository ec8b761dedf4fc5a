package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hackgods/donation-slot-reservation/internal/booking"
)

var ErrBadToken = errors.New("invalid token")

const donorKey contextKey = "donor"

// DonorClaims identifies the donor in the token subject. The donor portal
// issues these tokens; this service only verifies them.
type DonorClaims struct {
	TenantID string `json:"tid,omitempty"`
	jwt.RegisteredClaims
}

// MakeToken signs a donor token. Used by the simulator and tests.
func MakeToken(donorID uuid.UUID, tenantID, secret, issuer string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := DonorClaims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   donorID.String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}

func ParseToken(raw, secret, issuer string) (*DonorClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	tok, err := jwt.ParseWithClaims(raw, &DonorClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadToken
		}
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	c, ok := tok.Claims.(*DonorClaims)
	if !ok || !tok.Valid {
		return nil, ErrBadToken
	}
	return c, nil
}

// DonorAuthMiddleware builds the donor context from the bearer token. The
// donor id is never taken from the request body.
func DonorAuthMiddleware(secret, issuer string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				writeError(w, http.StatusUnauthorized, booking.CodeMissingDonorContext, "a bearer token is required")
				return
			}

			claims, err := ParseToken(raw, secret, issuer)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "the token is invalid or expired")
				return
			}
			donorID, err := uuid.Parse(claims.Subject)
			if err != nil || donorID == uuid.Nil {
				writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "the token subject is not a donor id")
				return
			}

			donor := booking.DonorContext{
				DonorID:   donorID,
				TenantID:  claims.TenantID,
				RequestID: GetRequestID(r.Context()),
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), donorKey, donor)))
		})
	}
}

// DonorFromContext returns the zero DonorContext when the request was not
// authenticated; the coordinator rejects that with ErrMissingDonorContext.
func DonorFromContext(ctx context.Context) booking.DonorContext {
	d, _ := ctx.Value(donorKey).(booking.DonorContext)
	return d
}
