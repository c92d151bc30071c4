package domain

// Identity is the authenticated principal behind a credential
type Identity struct {
	ID    string
	Email string
}

// Profile is the chat persona an identity acts as
type Profile struct {
	ID          string `json:"id"`
	IdentityID  string `json:"-"`
	DisplayName string `json:"displayName"`
	Type        string `json:"type"`
}
