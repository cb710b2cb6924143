package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"truthlens/backend/internal/store"
)

const (
	MinUsernameLength = 3
	MinPasswordLength = 6
	DefaultTokenTTL   = 24 * time.Hour
	issuer            = "truthlens"
)

var (
	ErrUserExists         = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrValidation         = errors.New("invalid registration")
	ErrInvalidToken       = errors.New("invalid token")
)

// Config controls token signing and admin assignment.
type Config struct {
	Secret     string
	TokenTTL   time.Duration
	AdminUsers []string
	BcryptCost int
}

// Claims is the session payload carried in the JWT.
type Claims struct {
	UserID   uint   `json:"uid"`
	Username string `json:"username"`
	Admin    bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Service registers users, checks passwords and issues session tokens.
type Service struct {
	db     *store.Database
	secret []byte
	ttl    time.Duration
	cost   int
	admins map[string]struct{}
}

// NewService builds the auth service. An empty secret is replaced by a random
// one, which invalidates sessions on every restart.
func NewService(db *store.Database, cfg Config) (*Service, error) {
	if db == nil {
		return nil, errors.New("auth: database is nil")
	}
	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		logrus.Warn("no jwt secret configured; sessions will not survive a restart")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	admins := make(map[string]struct{}, len(cfg.AdminUsers))
	for _, name := range cfg.AdminUsers {
		if name = strings.TrimSpace(name); name != "" {
			admins[name] = struct{}{}
		}
	}
	return &Service{db: db, secret: secret, ttl: ttl, cost: cost, admins: admins}, nil
}

// TokenTTL is how long issued tokens stay valid.
func (s *Service) TokenTTL() time.Duration {
	return s.ttl
}

// Register validates and stores a new account.
func (s *Service) Register(username, password string) (*store.User, error) {
	username = strings.TrimSpace(username)
	switch {
	case username == "" || password == "":
		return nil, fmt.Errorf("%w: username and password are required", ErrValidation)
	case len([]rune(username)) < MinUsernameLength:
		return nil, fmt.Errorf("%w: username must be at least %d characters long", ErrValidation, MinUsernameLength)
	case len([]rune(password)) < MinPasswordLength:
		return nil, fmt.Errorf("%w: password must be at least %d characters long", ErrValidation, MinPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	_, admin := s.admins[username]
	user := &store.User{Username: username, PasswordHash: string(hash), IsAdmin: admin}
	if err := s.db.CreateUser(user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	logrus.WithFields(logrus.Fields{"user_id": user.ID, "username": user.Username, "admin": admin}).Info("user registered")
	return user, nil
}

// Login checks the password and returns a signed token for the account.
func (s *Service) Login(username, password string) (*store.User, string, time.Time, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, "", time.Time{}, ErrInvalidCredentials
	}
	user, err := s.db.UserByUsername(username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", time.Time{}, ErrInvalidCredentials
		}
		return nil, "", time.Time{}, fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, "", time.Time{}, ErrInvalidCredentials
	}
	token, expires, err := s.Issue(user)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	return user, token, expires, nil
}

// Issue signs a session token for user.
func (s *Service) Issue(user *store.User) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(s.ttl)
	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		Admin:    user.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   fmt.Sprintf("%d", user.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify parses a token and returns its claims.
func (s *Service) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.UserID == 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
