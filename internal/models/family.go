package models

import "time"

// FamilyMember is one entry of a family's member list
type FamilyMember struct {
	UserID      string `bson:"userId" json:"user_id"`
	DisplayName string `bson:"displayName,omitempty" json:"display_name,omitempty"`
	Role        string `bson:"role" json:"role"`
}

// FamilyContext is the family record plus the caller's resolved role
type FamilyContext struct {
	FamilyID  string                 `bson:"_id" json:"family_id"`
	Name      string                 `bson:"name" json:"name"`
	Members   []FamilyMember         `bson:"members" json:"members"`
	Settings  map[string]interface{} `bson:"settings,omitempty" json:"settings,omitempty"`
	UpdatedAt time.Time              `bson:"updatedAt" json:"updated_at"`

	// Role of the requesting user, resolved on load. Empty when not a member.
	Role string `bson:"-" json:"role,omitempty"`
}

// ResolveRole scans the member list for userID
func (f *FamilyContext) ResolveRole(userID string) string {
	for _, m := range f.Members {
		if m.UserID == userID {
			return m.Role
		}
	}
	return ""
}
