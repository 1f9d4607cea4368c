package goapi

import (
	"bytes"
	"encoding/json"
)

// Country is a record from the GO country endpoint.
type Country struct {
	ID           int     `json:"id"`
	Name         string  `json:"name"`
	ISO          *string `json:"iso"`
	ISO3         *string `json:"iso3"`
	Region       *int    `json:"region"`
	Independent  *bool   `json:"independent"`
	IsDeprecated bool    `json:"is_deprecated"`
	SocietyName  string  `json:"society_name,omitempty"`
	RecordType   int     `json:"record_type,omitempty"`
}

// Region is a record from the GO region endpoint. Name is the numeric region
// enum; RegionName is the display name.
type Region struct {
	ID         int    `json:"id"`
	Name       int    `json:"name"`
	RegionName string `json:"region_name"`
	Label      string `json:"label,omitempty"`
}

// DisasterType is a record from the GO disaster type endpoint.
type DisasterType struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Summary string `json:"summary,omitempty"`
}

// UserProfile holds the profile block of the current user.
type UserProfile struct {
	Country *int   `json:"country"`
	Org     string `json:"org,omitempty"`
	OrgType string `json:"org_type,omitempty"`
	City    string `json:"city,omitempty"`
}

// User is the signed-in user returned by the user/me endpoint.
type User struct {
	ID          int         `json:"id"`
	Username    string      `json:"username"`
	FirstName   string      `json:"first_name"`
	LastName    string      `json:"last_name"`
	Email       string      `json:"email"`
	IsSuperuser bool        `json:"is_superuser"`
	Profile     UserProfile `json:"profile"`
}

// EnumKey is the key of an enum option. The API uses both numbers and strings,
// so the key keeps the literal text of either.
type EnumKey string

// UnmarshalJSON accepts a JSON number or string. null leaves the key empty.
func (k *EnumKey) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*k = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*k = EnumKey(s)
		return nil
	}
	*k = EnumKey(data)
	return nil
}

// EnumOption is one key/label pair of a global enumeration.
type EnumOption struct {
	Key   EnumKey `json:"key"`
	Value string  `json:"value"`
}

// GlobalEnums maps an enum field name to its options.
type GlobalEnums map[string][]EnumOption

// SecondarySector is one option of the secondary sector list.
type SecondarySector struct {
	Key   int    `json:"key"`
	Label string `json:"label"`
}

// PerArea is the area a PER component belongs to.
type PerArea struct {
	ID      int    `json:"id"`
	AreaNum int    `json:"area_num"`
	Title   string `json:"title"`
}

// PerComponent is a preparedness for effective response form component.
type PerComponent struct {
	ID              int     `json:"id"`
	ComponentNum    int     `json:"component_num"`
	ComponentLetter string  `json:"component_letter,omitempty"`
	Title           string  `json:"title"`
	Area            PerArea `json:"area"`
}
