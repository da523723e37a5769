package pass

import (
	"math/rand"
	"strconv"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"

	"github.com/trezcool/kibali/core"
)

var (
	NowFunc = time.Now // mockable

	// RandOTPFunc draws a 3-digit OTP uniformly from [100, 999]. Not
	// cryptographically strong: the OTP is a secondary fallback channel,
	// rate-limited by duplicate-scan suppression and a short validity
	// window. Mockable.
	RandOTPFunc = func() string { return strconv.Itoa(100 + rand.Intn(900)) }

	// errors
	errInvalidQRToken = errors.New("invalid QR token")
)

// Credential is a pass's verification material, issued exactly once at
// final approval.
type Credential struct {
	QRToken string `json:"qr_token"`
	OTP     string `json:"otp"`
}

// CredentialClaims bind a signed QR token to a single pass.
type CredentialClaims struct {
	jwt.StandardClaims
	StudentID string `json:"sid"`
	Kind      Kind   `json:"knd"`
}

// IssueCredential signs a time-boxed QR token for an approved pass and
// draws its OTP. Tokens are signed with the pass key, never the session
// key, so a leaked pass token cannot be replayed as a login credential.
func IssueCredential(conf *core.Config, p Pass) (Credential, error) {
	now := NowFunc()
	exp := now.Add(conf.Pass.QRValidityDelta)
	if p.ValidTo != nil && p.ValidTo.Before(exp) {
		exp = *p.ValidTo
	}

	claims := &CredentialClaims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    conf.AppName,
			Subject:   p.ID,
			Audience:  "Checkpoint",
			IssuedAt:  now.Unix(),
			ExpiresAt: exp.Unix(),
		},
		StudentID: p.StudentID,
		Kind:      p.Kind,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString([]byte(conf.PassSecretKey))
	if err != nil {
		return Credential{}, errors.Wrap(err, "signing QR token")
	}
	return Credential{QRToken: ss, OTP: RandOTPFunc()}, nil
}

// VerifyQRToken checks a captured QR token's signature and expiry and
// returns the bound claims.
func VerifyQRToken(conf *core.Config, token string) (*CredentialClaims, error) {
	claims := new(CredentialClaims)
	t, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidQRToken
		}
		return []byte(conf.PassSecretKey), nil
	})
	if err != nil || !t.Valid {
		return nil, errInvalidQRToken
	}
	return claims, nil
}
