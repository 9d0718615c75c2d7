package validation

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	MaxRoomIDLength      = 128
	MaxPeerHandleLength  = 128
	MaxDisplayNameLength = 64
	DefaultMaxChatLength = 500
)

var (
	// PeerHandleRegex validates peer handles; uuids and short slugs both pass.
	PeerHandleRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	mustRegister(v, "peerhandle", func(fl validator.FieldLevel) bool {
		return PeerHandleRegex.MatchString(fl.Field().String())
	})
	mustRegister(v, "trimmed", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return strings.TrimSpace(s) == s
	})
	mustRegister(v, "utf8", func(fl validator.FieldLevel) bool {
		return utf8.ValidString(fl.Field().String())
	})
	mustRegister(v, "signalurl", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		if err != nil || u.Host == "" {
			return false
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
			return true
		}
		return false
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %s validation: %v", tag, err))
	}
}

// check runs the validator tags against value and renders the first
// failure for fieldName.
func check(value, tags, fieldName string) error {
	err := validate.Var(value, tags)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("invalid %s: %w", fieldName, err)
	}

	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", fieldName)
	case "min":
		return fmt.Errorf("%s must be at least %s characters", fieldName, fe.Param())
	case "max":
		return fmt.Errorf("%s is too long (max %s characters)", fieldName, fe.Param())
	case "trimmed":
		return fmt.Errorf("%s must not have surrounding whitespace", fieldName)
	case "utf8":
		return fmt.Errorf("%s contains invalid characters", fieldName)
	case "url":
		return fmt.Errorf("invalid %s format", fieldName)
	case "signalurl":
		return fmt.Errorf("%s must be an http, https, ws or wss URL with a host", fieldName)
	default:
		return fmt.Errorf("invalid %s format", fieldName)
	}
}

// ValidateRoomID validates a room ID. Room IDs are opaque and case-sensitive,
// so only emptiness, length and encoding are checked.
func ValidateRoomID(roomID string) error {
	return check(roomID, fmt.Sprintf("required,trimmed,utf8,max=%d", MaxRoomIDLength), "room ID")
}

// ValidatePeerHandle validates peer handle
func ValidatePeerHandle(handle string) error {
	return check(handle, fmt.Sprintf("required,max=%d,peerhandle", MaxPeerHandleLength), "peer handle")
}

// ValidateDisplayName validates an optional display name. Empty is allowed;
// the caller substitutes a default.
func ValidateDisplayName(name string) error {
	if err := check(name, "utf8", "display name"); err != nil {
		return err
	}
	return check(strings.TrimSpace(name), fmt.Sprintf("max=%d", MaxDisplayNameLength), "display name")
}

// ValidateChatText validates chat text after trimming.
func ValidateChatText(text string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxChatLength
	}
	if err := check(text, "utf8", "chat text"); err != nil {
		return err
	}
	return check(strings.TrimSpace(text), fmt.Sprintf("required,max=%d", maxLen), "chat text")
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	return check(urlStr, "required,url,signalurl", "URL")
}
