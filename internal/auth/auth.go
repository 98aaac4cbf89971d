package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"parley/internal/content"
	"parley/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	MinPasswordLength  = 8
	loginFailedMessage = "Login failed"
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrTooManyAttempts    = errors.New("too many failed login attempts")
	ErrInvalidToken       = errors.New("invalid token")
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegistrationRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool         `json:"success"`
	Message     string       `json:"message,omitempty"`
	Token       string       `json:"token,omitempty"`
	TokenExpiry int64        `json:"token_expiry,omitempty"`
	User        *models.User `json:"user,omitempty"`
}

type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type UserStore interface {
	CreateUser(username, passwordHash string) (models.User, error)
	GetPasswordHash(username string) (models.User, string, error)
}

// loginAttempts throttles brute force attempts per username.
type loginAttempts struct {
	Failed      int64
	LastAttempt int64
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

type AuthService struct {
	Config
	store    UserStore
	attempts *geche.Locker[string, *loginAttempts]
	// revoked holds ids of logged off tokens until they would expire anyway.
	revoked  geche.Geche[string, struct{}]
	hashCost int
	now      func() time.Time
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

func NewAuthService(ctx context.Context, config Config, store UserStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:   config,
		store:    store,
		attempts: geche.NewLocker[string, *loginAttempts](geche.NewMapCache[string, *loginAttempts]()),
		revoked:  geche.NewMapTTLCache[string, struct{}](ctx, config.TokenExpiry, time.Minute),
		hashCost: bcrypt.DefaultCost,
		now:      time.Now,
	}, nil
}

// Register creates a user with a bcrypt hashed password.
func (as *AuthService) Register(req RegistrationRequest) (models.User, error) {
	username := strings.TrimSpace(req.Username)
	if err := content.ValidateUsername(username); err != nil {
		return models.User{}, err
	}
	if len(req.Password) < MinPasswordLength {
		return models.User{}, fmt.Errorf("%w: password must be at least %d characters", models.ErrInvalid, MinPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), as.hashCost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := as.store.CreateUser(username, string(hash))
	if errors.Is(err, models.ErrConflict) {
		return models.User{}, ErrUserExists
	}
	if err != nil {
		return models.User{}, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (as *AuthService) Login(req LoginRequest) (LoginResponse, error) {
	now := as.now()
	username := strings.TrimSpace(req.Username)

	if wait := as.throttled(username, now); wait > 0 {
		return LoginResponse{
			Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", wait),
		}, ErrTooManyAttempts
	}

	user, hash, err := as.store.GetPasswordHash(username)
	if errors.Is(err, models.ErrNotFound) {
		as.recordAttempt(username, now, false)
		return LoginResponse{Message: loginFailedMessage}, ErrInvalidCredentials
	}
	if err != nil {
		return LoginResponse{Message: "internal error"}, fmt.Errorf("failed to load user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)); err != nil {
		as.recordAttempt(username, now, false)
		return LoginResponse{Message: loginFailedMessage}, ErrInvalidCredentials
	}

	token, expiresAt, err := as.GenerateToken(user)
	if err != nil {
		slog.Error("login failed", "user_id", user.ID, "error", err)
		return LoginResponse{Message: "internal error"}, err
	}
	as.recordAttempt(username, now, true)

	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: expiresAt.Unix(),
		User:        &user,
	}, nil
}

// throttled returns how many seconds username has to wait before the next
// login attempt.
func (as *AuthService) throttled(username string, now time.Time) int64 {
	tx := as.attempts.Lock()
	defer tx.Unlock()
	attempt, err := tx.Get(username)
	if err != nil || attempt.Failed <= 3 {
		return 0
	}
	next := attempt.LastAttempt + 30*(attempt.Failed*attempt.Failed)
	return max(next-now.Unix(), 0)
}

func (as *AuthService) recordAttempt(username string, now time.Time, success bool) {
	tx := as.attempts.Lock()
	defer tx.Unlock()
	if success {
		tx.Set(username, &loginAttempts{})
		return
	}
	attempt, err := tx.Get(username)
	if err != nil {
		attempt = &loginAttempts{}
		tx.Set(username, attempt)
	}
	attempt.Failed++
	attempt.LastAttempt = now.Unix()
}

func (as *AuthService) GenerateToken(user models.User) (string, time.Time, error) {
	now := as.now()
	expiresAt := now.Add(as.TokenExpiry)
	claims := Claims{
		UserID:   user.ID,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(as.secretBytes)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (as *AuthService) parse(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return as.secretBytes, nil
	}, jwt.WithTimeFunc(as.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.UserID <= 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate resolves a bearer token to the id of its user.
func (as *AuthService) Authenticate(token string) (int64, error) {
	claims, err := as.parse(token)
	if err != nil {
		return 0, err
	}
	if _, err := as.revoked.Get(claims.ID); err == nil {
		return 0, fmt.Errorf("%w: token was revoked", ErrInvalidToken)
	}
	return claims.UserID, nil
}

// Logoff revokes token. Revoking an invalid token is a no-op.
func (as *AuthService) Logoff(token string) error {
	claims, err := as.parse(token)
	if err != nil {
		return nil
	}
	as.revoked.Set(claims.ID, struct{}{})
	return nil
}

// SameOrigin reports whether r was sent from a page on the host it targets.
// Requests without an Origin header come from non-browser clients and pass.
func SameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// TokenFromRequest extracts a token from the Authorization header, the
// token header, the token query parameter or the token cookie, in that
// order.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}
