package models

// Principal is the authenticated caller every core operation is evaluated for.
// Roots is read fresh from the account store on each request.
type Principal struct {
	Name    string
	IsAdmin bool
	Roots   []string
}
