package domain

type UserID string

// User is the opaque credential consumed from the account collaborator.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}
