package accounts

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/storage"
)

var (
	ErrEmailTaken         = errors.New("accounts: email already registered")
	ErrInvalidCredentials = errors.New("accounts: invalid credentials")
	ErrNotVerified        = errors.New("accounts: account not verified")
	ErrBadCode            = errors.New("accounts: wrong verification code")
)

const tokenTTL = 7 * 24 * time.Hour

// Service handles driver and passenger account lifecycle: signup with a
// 6-digit verification code, verify, and login issuing an HS256 JWT.
type Service struct {
	logger    *slog.Logger
	drivers   storage.DriverStore
	users     storage.UserStore
	mailer    Mailer
	jwtSecret []byte
}

func NewService(drivers storage.DriverStore, users storage.UserStore, mailer Mailer, jwtSecret string, logger *slog.Logger) *Service {
	return &Service{
		logger:    logger,
		drivers:   drivers,
		users:     users,
		mailer:    mailer,
		jwtSecret: []byte(jwtSecret),
	}
}

type DriverSignup struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	TaxiStandID   string `json:"taxi_stand_id"`
	TaxiStandName string `json:"taxi_stand_name"`
	DriverName    string `json:"driver_name"`
	VehiclePlate  string `json:"vehicle_plate"`
}

// SignupDriver registers a driver account and sends a verification code.
// The code is returned so the HTTP layer can echo it for debugging, as the
// upstream API does.
func (s *Service) SignupDriver(ctx context.Context, req DriverSignup) (*models.Driver, string, error) {
	if _, err := s.drivers.GetByEmail(ctx, req.Email); err == nil {
		return nil, "", ErrEmailTaken
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}
	code := newVerificationCode()
	driver := &models.Driver{
		ID:               uuid.NewString(),
		Email:            req.Email,
		PasswordHash:     string(hash),
		TaxiStandID:      req.TaxiStandID,
		TaxiStandName:    req.TaxiStandName,
		DriverName:       req.DriverName,
		VehiclePlate:     req.VehiclePlate,
		VerificationCode: code,
	}
	if err := s.drivers.Create(ctx, driver); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, "", ErrEmailTaken
		}
		return nil, "", err
	}
	if err := s.mailer.SendVerificationCode(ctx, driver.Email, code); err != nil {
		// Registration stands; the code is still retrievable from the
		// signup response.
		s.logger.Warn("verification mail failed", "email", driver.Email, "error", err)
	}
	return driver, code, nil
}

func (s *Service) VerifyDriver(ctx context.Context, driverID, code string) error {
	driver, err := s.drivers.GetByID(ctx, driverID)
	if err != nil {
		return err
	}
	if driver.Verified {
		return nil
	}
	if driver.VerificationCode != code {
		return ErrBadCode
	}
	driver.Verified = true
	driver.VerificationCode = ""
	return s.drivers.Update(ctx, driver)
}

// LoginDriver checks credentials and returns the driver with a signed token.
func (s *Service) LoginDriver(ctx context.Context, email, password string) (*models.Driver, string, error) {
	driver, err := s.drivers.GetByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(driver.PasswordHash), []byte(password)) != nil {
		return nil, "", ErrInvalidCredentials
	}
	if !driver.Verified {
		return nil, "", ErrNotVerified
	}
	token, err := s.issueToken(driver.ID, "driver")
	if err != nil {
		return nil, "", err
	}
	return driver, token, nil
}

type UserSignup struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FullName    string `json:"full_name"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

func (s *Service) SignupUser(ctx context.Context, req UserSignup) (*models.User, string, error) {
	if _, err := s.users.GetByEmail(ctx, req.Email); err == nil {
		return nil, "", ErrEmailTaken
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}
	code := newVerificationCode()
	user := &models.User{
		ID:               uuid.NewString(),
		Email:            req.Email,
		PasswordHash:     string(hash),
		FullName:         req.FullName,
		PhoneNumber:      req.PhoneNumber,
		VerificationCode: code,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, "", ErrEmailTaken
		}
		return nil, "", err
	}
	if err := s.mailer.SendVerificationCode(ctx, user.Email, code); err != nil {
		s.logger.Warn("verification mail failed", "email", user.Email, "error", err)
	}
	return user, code, nil
}

func (s *Service) VerifyUser(ctx context.Context, userID, code string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.Verified {
		return nil
	}
	if user.VerificationCode != code {
		return ErrBadCode
	}
	user.Verified = true
	user.VerificationCode = ""
	return s.users.Update(ctx, user)
}

func (s *Service) LoginUser(ctx context.Context, email, password string) (*models.User, string, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, "", ErrInvalidCredentials
	}
	if !user.Verified {
		return nil, "", ErrNotVerified
	}
	token, err := s.issueToken(user.ID, "user")
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Claims is the JWT payload issued on login.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (s *Service) issueToken(subject, role string) (string, error) {
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

// ParseToken validates a token and returns its claims.
func (s *Service) ParseToken(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("accounts: invalid token")
	}
	return claims, nil
}

func newVerificationCode() string {
	n, _ := rand.Int(rand.Reader, big.NewInt(900000))
	return fmt.Sprintf("%06d", n.Int64()+100000)
}
