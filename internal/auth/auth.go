package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	loginFailedMessage = "Login failed"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrInvalidToken = errors.New("invalid token")
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"token_expiry,omitempty"`
}

type UserCredentials struct {
	UserID       string
	Username     string
	PasswordHash string
	IsAdmin      bool
	// Counter of consecutive failed login attempts to throttle brute force attacks.
	FailedLoginAttempts int64
	LastAttemptTime     int64
}

func (uc *UserCredentials) ResetFailedLoginAttempts(now time.Time) {
	uc.FailedLoginAttempts = 0
	uc.LastAttemptTime = now.Unix()
}

func (uc *UserCredentials) IncrementFailedLoginAttempts(now time.Time) {
	uc.FailedLoginAttempts++
	uc.LastAttemptTime = now.Unix()
}

type Config struct {
	Secret      string        `json:"secret"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

type tokenClaims struct {
	jwt.RegisteredClaims
	IsAdmin bool `json:"is_admin,omitempty"`
}

// AuthService issues and verifies bearer tokens. Tokens are HS256 JWTs;
// verified tokens are cached with a TTL so the hot path (every API request
// and websocket connect) skips signature checks.
type AuthService struct {
	Config
	users      *geche.Locker[string, *UserCredentials]
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func NewAuthService(ctx context.Context, config Config) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:     config,
		users:      geche.NewLocker[string, *UserCredentials](geche.NewMapCache[string, *UserCredentials]()),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}, nil
}

func (as *AuthService) AddUser(username, password string, isAdmin bool) (UserCredentials, error) {
	tx := as.users.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(username); err == nil {
		return UserCredentials{}, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return UserCredentials{}, fmt.Errorf("failed to hash password: %w", err)
	}

	creds := &UserCredentials{
		UserID:       uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		IsAdmin:      isAdmin,
	}
	tx.Set(username, creds)

	return *creds, nil
}

// RestoreUser loads previously persisted credentials into the service
// without re-hashing. Used on startup to rehydrate from storage.
func (as *AuthService) RestoreUser(creds UserCredentials) {
	tx := as.users.Lock()
	defer tx.Unlock()
	c := creds
	tx.Set(creds.Username, &c)
}

func (as *AuthService) Login(req LoginRequest) (LoginResponse, string) {
	now := as.now()
	tx := as.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(req.Username)
	if err != nil {
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}, ""
	}

	// Check failed login attempts
	if user.FailedLoginAttempts > 3 {
		lastAttempt := user.LastAttemptTime
		failedAttempts := user.FailedLoginAttempts
		nextAttempt := lastAttempt + 30*(failedAttempts*failedAttempts)
		if now.Unix() < nextAttempt {
			return LoginResponse{
				Success: false,
				Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", nextAttempt-now.Unix()),
			}, ""
		}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		user.IncrementFailedLoginAttempts(now)
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}, ""
	}

	token, expiry, err := as.generateToken(user)
	if err != nil {
		slog.Error("login failed", "user_id", user.UserID, "error", err)
		return LoginResponse{
			Success: false,
			Message: "internal error",
		}, ""
	}

	as.liveTokens.Set(token, user.UserID)
	user.ResetFailedLoginAttempts(now)

	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: expiry,
	}, user.UserID
}

func (as *AuthService) Logoff(token string) error {
	return as.liveTokens.Del(token)
}

func (as *AuthService) generateToken(user *UserCredentials) (string, int64, error) {
	now := as.now()
	expiry := now.Add(as.TokenExpiry)
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
		IsAdmin: user.IsAdmin,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(as.Secret))
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expiry.Unix(), nil
}

// GetUserID resolves a bearer token to a user id. Cached tokens resolve
// without signature verification; a cache miss falls back to parsing the
// JWT so tokens survive a server restart.
func (as *AuthService) GetUserID(token string) (string, error) {
	if userID, err := as.liveTokens.Get(token); err == nil {
		return userID, nil
	}

	claims := tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(as.Secret), nil
	}, jwt.WithTimeFunc(as.now))
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}

	as.liveTokens.Set(token, claims.Subject)
	return claims.Subject, nil
}

// Identity resolves a bearer token to the user id and admin flag. Unlike
// GetUserID it always parses the token, since the admin claim is not cached.
func (as *AuthService) Identity(token string) (string, bool, error) {
	claims := tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(as.Secret), nil
	}, jwt.WithTimeFunc(as.now))
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", false, ErrInvalidToken
	}
	return claims.Subject, claims.IsAdmin, nil
}
