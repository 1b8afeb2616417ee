package domain

// ConversationUpdate carries the client-writable conversation fields.
// Nil means "leave unchanged".
type ConversationUpdate struct {
	Title      *string
	Language   *string
	Model      *string
	IsArchived *bool
	IsPinned   *bool
}

// Empty reports whether no field is set.
func (u ConversationUpdate) Empty() bool {
	return u.Title == nil && u.Language == nil && u.Model == nil &&
		u.IsArchived == nil && u.IsPinned == nil
}

// ProfileUpdate carries the client-writable profile fields. Nil means
// "leave unchanged". Protected fields (role, email, id, timestamps) have no
// representation here on purpose.
type ProfileUpdate struct {
	FullName          *string
	Phone             *string
	BusinessName      *string
	BusinessType      *string
	BusinessCategory  *string
	State             *string
	District          *string
	Pincode           *string
	PreferredLanguage *string
	PreferredModel    *string
	AnnualTurnover    *float64
	EmployeeCount     *int
}

// Empty reports whether no field is set.
func (u ProfileUpdate) Empty() bool {
	return u.FullName == nil && u.Phone == nil && u.BusinessName == nil &&
		u.BusinessType == nil && u.BusinessCategory == nil && u.State == nil &&
		u.District == nil && u.Pincode == nil && u.PreferredLanguage == nil &&
		u.PreferredModel == nil && u.AnnualTurnover == nil && u.EmployeeCount == nil
}
