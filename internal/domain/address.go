package domain

import (
	"net/mail"
	"strings"
)

// Address is the minified snapshot embedded in orders and checkout sessions.
type Address struct {
	FullName            string `bson:"full_name" json:"fullName"`
	Line1               string `bson:"line_1" json:"line_1"`
	Line2               string `bson:"line_2,omitempty" json:"line_2,omitempty"`
	City                string `bson:"city" json:"city"`
	PostalCode          string `bson:"postal_code" json:"postalCode"`
	StateProvinceCounty string `bson:"state_province_county" json:"stateProvinceCounty"`
	Country             string `bson:"country" json:"country"`
}

// Validate checks that every required line is present. field prefixes the
// keys of the returned field errors, e.g. "shipping".
func (a Address) Validate(field string) error {
	missing := map[string]string{}
	check := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing[field+"."+name] = name + " is required"
		}
	}
	check("fullName", a.FullName)
	check("line_1", a.Line1)
	check("city", a.City)
	check("postalCode", a.PostalCode)
	check("stateProvinceCounty", a.StateProvinceCounty)
	check("country", a.Country)
	if len(missing) == 0 {
		return nil
	}
	return &Error{
		Kind:    KindValidation,
		Code:    "invalid_" + field + "_address",
		Message: field + " address is incomplete",
		Fields:  missing,
	}
}

func (a Address) IsZero() bool { return a == Address{} }

// PersonalInfo is collected in the first checkout step.
type PersonalInfo struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
}

func (p PersonalInfo) Validate() error {
	fields := map[string]string{}
	if strings.TrimSpace(p.FullName) == "" {
		fields["fullName"] = "name is required"
	}
	email := strings.TrimSpace(p.Email)
	if email == "" {
		fields["email"] = "email is required"
	} else if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		fields["email"] = "email is not a valid address"
	}
	if len(fields) == 0 {
		return nil
	}
	return &Error{Kind: KindValidation, Code: "invalid_personal_info", Message: "personal information is invalid", Fields: fields}
}

// Product is the read-only catalog view the cart needs.
type Product struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	ImgURL        string  `json:"imgUrl"`
	Price         float64 `json:"price"`
	StockQuantity int     `json:"stockQuantity"`
}
