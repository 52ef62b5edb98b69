package models

// User is a platform account that can hold entitlements.
type User struct {
	ID        int64   `json:"id"`
	Username  string  `json:"username"`
	Email     *string `json:"email,omitempty"`
	Name      *string `json:"name,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}

// UserSummary is the user shape embedded in subscription listings.
type UserSummary struct {
	ID        int64   `json:"id"`
	Username  string  `json:"username"`
	AvatarURL *string `json:"avatar_template,omitempty"`
}

// Summary returns the listing view of the user.
func (u User) Summary() UserSummary {
	return UserSummary{ID: u.ID, Username: u.Username, AvatarURL: u.AvatarURL}
}

// Group is an access-control group whose membership is granted by plans.
type Group struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}
