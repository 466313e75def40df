package auth

import (
	"errors"
	"fmt"
	"log/slog"

	"apphost/portal/schema"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrUserNotFoundWithEmail = errors.New("no user found for given email")
	ErrInvalidCredentials    = errors.New("invalid login credentials")
	ErrEmailAlreadyInUse     = errors.New("email is already in use")
	ErrUsernameAlreadyInUse  = errors.New("username is already in use")
)

// Credentials resolves long-lived identities: password checks and account
// creation against the user table. Session trust state is the session
// manager's concern, not this type's.
type Credentials struct {
	db *gorm.DB
}

func NewCredentials(db *gorm.DB) *Credentials {
	return &Credentials{db: db}
}

// Login verifies the email/password pair and returns the matching user.
func (c *Credentials) Login(email, password string) (schema.User, error) {
	var user schema.User
	result := c.db.First(&user, "email = ?", email)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return schema.User{}, ErrUserNotFoundWithEmail
		}
		slog.Error("sql error looking up user by email", "error", result.Error)
		return schema.User{}, schema.ErrDbAccessFailed
	}

	if err := bcrypt.CompareHashAndPassword(user.Password, []byte(password)); err != nil {
		return schema.User{}, ErrInvalidCredentials
	}

	return user, nil
}

// CreateUser registers a new account with the default system accreditation
// and the default user-level resources policy.
func (c *Credentials) CreateUser(username, email, password string) (uuid.UUID, error) {
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(password), 10)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("error encrypting password: %w", err)
	}

	newUser := schema.User{Id: uuid.New(), Username: username, Email: email, Password: hashedPwd}

	err = c.db.Transaction(func(txn *gorm.DB) error {
		var existingUser schema.User
		result := txn.Limit(1).Find(&existingUser, "username = ? or email = ?", username, email)
		if result.Error != nil {
			slog.Error("sql error checking for existing username/email", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected != 0 {
			if existingUser.Username == username {
				return ErrUsernameAlreadyInUse
			}
			return ErrEmailAlreadyInUse
		}

		accreditation, err := schema.GetAccreditationBySlug(schema.UserSlug, schema.LevelSystem, txn)
		if err != nil {
			return err
		}
		newUser.AccreditationId = &accreditation.Id

		policy, err := schema.DefaultPolicy(schema.LevelSystem, txn)
		if err != nil {
			return err
		}
		newUser.ResourcesPolicyId = policy.Id

		result = txn.Create(&newUser)
		if result.Error != nil {
			slog.Error("sql error creating new user entry", "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		return nil
	})

	if err != nil {
		return uuid.UUID{}, fmt.Errorf("error creating new user: %w", err)
	}

	return newUser.Id, nil
}

// AddInitialAdmin seeds the root administrator if no user with the given
// identity exists yet. Idempotent across restarts.
func (c *Credentials) AddInitialAdmin(username, email, password string) error {
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(password), 10)
	if err != nil {
		return fmt.Errorf("error encrypting admin password: %w", err)
	}

	err = c.db.Transaction(func(txn *gorm.DB) error {
		var existingUser schema.User
		result := txn.Limit(1).Find(&existingUser, "username = ? or email = ?", username, email)
		if result.Error != nil {
			slog.Error("sql error checking if admin has already been added", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected != 0 {
			return nil
		}

		accreditation, err := schema.GetAccreditationBySlug(schema.RootSlug, schema.LevelSystem, txn)
		if err != nil {
			return err
		}

		policy, err := schema.DefaultPolicy(schema.LevelSystem, txn)
		if err != nil {
			return err
		}

		admin := schema.User{
			Id:                uuid.New(),
			Username:          username,
			Email:             email,
			Password:          hashedPwd,
			AccreditationId:   &accreditation.Id,
			ResourcesPolicyId: policy.Id,
		}

		if result := txn.Create(&admin); result.Error != nil {
			slog.Error("sql error creating initial admin user", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error adding initial admin to db: %w", err)
	}

	return nil
}
