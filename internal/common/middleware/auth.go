package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"unipay/internal/common/api"
)

var ErrInvalidSubject = errors.New("token has no usable subject")

// GetSubjectID returns the authenticated subject, or 0 when the request is anonymous
func GetSubjectID(ctx context.Context) int64 {
	if v, ok := ctx.Value(SubjectIDKey).(int64); ok {
		return v
	}
	return 0
}

// WithSubjectID stores the authenticated subject in ctx
func WithSubjectID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, SubjectIDKey, id)
}

// Authenticator validates HS256 bearer tokens issued by the identity service.
type Authenticator struct {
	secret []byte
	opts   []jwt.ParserOption
}

func NewAuthenticator(secret, issuer, audience string) *Authenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &Authenticator{secret: []byte(secret), opts: opts}
}

// SubjectID validates token and returns the numeric subject it was issued to.
func (a *Authenticator) SubjectID(token string) (int64, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, a.opts...)
	if err != nil {
		return 0, err
	}

	var id int64
	switch sub := claims["sub"].(type) {
	case float64:
		id = int64(sub)
	case json.Number:
		id, err = sub.Int64()
	case string:
		id, err = strconv.ParseInt(sub, 10, 64)
	default:
		return 0, ErrInvalidSubject
	}
	if err != nil || id <= 0 {
		return 0, ErrInvalidSubject
	}
	return id, nil
}

// Authenticate requires a valid bearer token and stores its subject in the request context
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			api.Unauthorized(w, "Missing bearer token")
			return
		}

		subjectID, err := a.SubjectID(token)
		if err != nil {
			api.Unauthorized(w, "Invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithSubjectID(r.Context(), subjectID)))
	})
}
