package models

// ActorIdentity is the already-authenticated caller of a core operation.
type ActorIdentity struct {
	UserID        string `json:"userId"`
	Username      string `json:"username,omitempty"`
	AccountID     string `json:"accountId"`
	AccountNumber string `json:"accountNumber"`
	AccountTitle  string `json:"accountTitle"`
	Role          string `json:"role,omitempty"`
}

func (a ActorIdentity) IsAdmin() bool {
	return a.Role == RoleAdmin
}
