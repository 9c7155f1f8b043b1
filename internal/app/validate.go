package app

import (
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/pengcunfu/SimpleNotes/internal/store"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

type RegisterInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (in RegisterInput) Validate() error {
	err := validation.ValidateStruct(&in,
		validation.Field(&in.Username,
			validation.Required,
			validation.Length(3, 30),
			validation.Match(usernamePattern).Error("must contain only letters, numbers, and underscores"),
		),
		validation.Field(&in.Email, validation.Required, is.EmailFormat),
	)
	if err != nil {
		return errValidation("Validation failed", err)
	}
	return validatePassword(in.Password)
}

type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type DocumentInput struct {
	Title         string   `json:"title"`
	Content       string   `json:"content"`
	Excerpt       string   `json:"excerpt"`
	Slug          string   `json:"slug"`
	Status        string   `json:"status"`
	Category      string   `json:"category"`
	Tags          []string `json:"tags"`
	FeaturedImage string   `json:"featuredImage"`
}

func (in DocumentInput) Validate() error {
	err := validation.ValidateStruct(&in,
		validation.Field(&in.Title, validation.Required, validation.Length(1, 200)),
		validation.Field(&in.Content, validation.Required),
		validation.Field(&in.Status, validation.In("", "draft", "published", "archived")),
		validation.Field(&in.Category, validation.Length(0, 50)),
		validation.Field(&in.Tags, validation.Each(validation.Length(1, 30))),
	)
	if err != nil {
		return errValidation("Validation failed", err)
	}
	return nil
}

type UpdateUserInput struct {
	Username string         `json:"username"`
	Email    string         `json:"email"`
	Role     string         `json:"role"`
	Profile  *store.Profile `json:"profile"`
}

func (in UpdateUserInput) Validate() error {
	err := validation.ValidateStruct(&in,
		validation.Field(&in.Username,
			validation.Length(3, 30),
			validation.Match(usernamePattern).Error("must contain only letters, numbers, and underscores"),
		),
		validation.Field(&in.Email, is.EmailFormat),
		validation.Field(&in.Role, validation.In("", "user", "admin")),
	)
	if err != nil {
		return errValidation("Validation failed", err)
	}
	return nil
}

type ChangePasswordInput struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

var (
	hasUpper = regexp.MustCompile(`[A-Z]`)
	hasLower = regexp.MustCompile(`[a-z]`)
	hasDigit = regexp.MustCompile(`[0-9]`)
)

// validatePassword enforces the account password policy: at least six
// characters with one uppercase letter, one lowercase letter, and one
// digit.
func validatePassword(password string) error {
	if len(password) < 6 {
		return errValidation("Password must be at least 6 characters", nil)
	}
	if !hasUpper.MatchString(password) || !hasLower.MatchString(password) || !hasDigit.MatchString(password) {
		return errValidation("Password must contain at least one uppercase letter, one lowercase letter, and one number", nil)
	}
	return nil
}
