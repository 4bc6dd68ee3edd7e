package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// RoomNameRegex validates room name format
	RoomNameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

	// reservedRoomNames collide with API routes and can never be rooms.
	reservedRoomNames = map[string]bool{
		"list":     true,
		"create":   true,
		"generate": true,
	}
)

const (
	RoomNameMinLength = 3
	RoomNameMaxLength = 32

	RoomTitleMaxLength       = 100
	RoomDescriptionMaxLength = 500

	ChatMessageMaxLength = 1000
)

// ValidateRoomName validates a room name: 3-32 characters from
// [A-Za-z0-9_-], case-sensitive, reserved words forbidden.
func ValidateRoomName(name string) error {
	if name == "" {
		return fmt.Errorf("room name is required")
	}
	if len(name) < RoomNameMinLength {
		return fmt.Errorf("room name must be at least %d characters", RoomNameMinLength)
	}
	if len(name) > RoomNameMaxLength {
		return fmt.Errorf("room name is too long (max %d characters)", RoomNameMaxLength)
	}
	if !RoomNameRegex.MatchString(name) {
		return fmt.Errorf("room name contains invalid characters (only letters, numbers, _, - allowed)")
	}
	if reservedRoomNames[name] {
		return fmt.Errorf("room name %q is reserved", name)
	}
	return nil
}

// ValidateRoomTitle validates a room title.
func ValidateRoomTitle(title string) error {
	if utf8.RuneCountInString(title) > RoomTitleMaxLength {
		return fmt.Errorf("room title is too long (max %d characters)", RoomTitleMaxLength)
	}
	if !utf8.ValidString(title) {
		return fmt.Errorf("room title contains invalid characters")
	}
	return nil
}

// ValidateRoomDescription validates a room description.
func ValidateRoomDescription(description string) error {
	if utf8.RuneCountInString(description) > RoomDescriptionMaxLength {
		return fmt.Errorf("room description is too long (max %d characters)", RoomDescriptionMaxLength)
	}
	if !utf8.ValidString(description) {
		return fmt.Errorf("room description contains invalid characters")
	}
	return nil
}

// ValidateChatMessage validates a chat message body.
func ValidateChatMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("chat message is empty")
	}
	if utf8.RuneCountInString(text) > ChatMessageMaxLength {
		return fmt.Errorf("chat message is too long (max %d characters)", ChatMessageMaxLength)
	}
	return nil
}

// ValidateUsername validates a session username.
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if utf8.RuneCountInString(username) < 1 || utf8.RuneCountInString(username) > 48 {
		return fmt.Errorf("username must be between 1 and 48 characters")
	}
	return nil
}

// ValidateVideoURL validates a video URL submitted for resolution.
func ValidateVideoURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme (must be http or https)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming.
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
