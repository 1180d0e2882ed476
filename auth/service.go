package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"tradeflow/access"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrInvalidToken signals a token that failed verification.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidInput signals missing or malformed registration fields.
	ErrInvalidInput = errors.New("auth: invalid input")
)

// serviceAccount marks tokens minted for the trusted service identity.
const serviceAccount = "service"

const defaultTokenTTL = 24 * time.Hour

type claims struct {
	AccountType string `json:"account_type"`
	jwt.RegisteredClaims
}

// Service handles authentication business logic.
type Service struct {
	repo           Repository
	jwtSecret      []byte
	serviceActorID string
	tokenTTL       time.Duration
	now            func() time.Time
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token string
	User  User
}

// NewService creates a new authentication service. serviceActorID names the
// trusted identity used by background workers; empty disables service tokens.
func NewService(repo Repository, jwtSecret, serviceActorID string) *Service {
	return &Service{
		repo:           repo,
		jwtSecret:      []byte(jwtSecret),
		serviceActorID: serviceActorID,
		tokenTTL:       defaultTokenTTL,
		now:            time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}

	req.Email = strings.TrimSpace(req.Email)
	req.FullName = strings.TrimSpace(req.FullName)
	if req.Email == "" || req.FullName == "" {
		return nil, fmt.Errorf("%w: email and full_name are required", ErrInvalidInput)
	}

	accountType := access.AccountType(strings.ToLower(strings.TrimSpace(string(req.AccountType))))
	if accountType == "" {
		accountType = access.AccountCustomer
	}
	if !accountType.Valid() {
		return nil, fmt.Errorf("%w: account type %q", ErrInvalidInput, accountType)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
		AccountType:  accountType,
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.sign(user.ID, string(user.AccountType), s.tokenTTL)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{
		Token: token,
		User:  user,
	}, nil
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// SetPayoutAccount stores the settlement destination for a provider.
func (s *Service) SetPayoutAccount(ctx context.Context, actor access.Actor, accountID string) (*User, error) {
	if !actor.Has(access.CapProvider) {
		return nil, fmt.Errorf("%w: only providers receive payouts", ErrInvalidInput)
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("%w: payout account is required", ErrInvalidInput)
	}
	user, err := s.repo.SetPayoutAccount(ctx, actor.ID, accountID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// IssueServiceToken mints a token for the trusted service identity.
func (s *Service) IssueServiceToken(ttl time.Duration) (string, error) {
	if s.serviceActorID == "" {
		return "", fmt.Errorf("auth: service identity is not configured")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return s.sign(s.serviceActorID, serviceAccount, ttl)
}

// VerifyToken validates a JWT token and resolves the caller's capability set.
func (s *Service) VerifyToken(tokenString string) (access.Actor, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return access.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || c.Subject == "" {
		return access.Actor{}, ErrInvalidToken
	}

	if c.AccountType == serviceAccount {
		if s.serviceActorID == "" || c.Subject != s.serviceActorID {
			return access.Actor{}, fmt.Errorf("%w: unknown service identity", ErrInvalidToken)
		}
		return access.ServiceActor(c.Subject), nil
	}
	accountType := access.AccountType(c.AccountType)
	if !accountType.Valid() {
		return access.Actor{}, fmt.Errorf("%w: account type %q", ErrInvalidToken, c.AccountType)
	}
	return access.ForAccount(c.Subject, accountType), nil
}

func (s *Service) sign(subject, accountType string, ttl time.Duration) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		AccountType: accountType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(s.jwtSecret)
}
