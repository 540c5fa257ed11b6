package zoom

import "strings"

// LoginAction is what a login step does to its selector's element.
type LoginAction string

const (
	// ActionType fills the element with a value.
	ActionType LoginAction = "type"
	// ActionClick clicks the element.
	ActionClick LoginAction = "click"
)

// LoginStep is one scripted interaction on an identity provider page.
// Value may be a credential and must never be logged.
type LoginStep struct {
	Selector string
	Action   LoginAction
	Value    string
	// Optional marks steps whose element may legitimately be absent,
	// like a "stay signed in" prompt.
	Optional bool
}

// LoginDetector recognizes an identity provider's login pages and scripts
// the interactions that complete them. Institutions with a different
// provider plug in their own implementation.
type LoginDetector interface {
	// Matches reports whether the URL belongs to the provider's login flow.
	Matches(pageURL string) bool
	// Steps returns the interactions that complete the login form.
	Steps(email, password string) []LoginStep
}

// MicrosoftLogin completes the Microsoft identity platform's flow:
// email, then password, then the "stay signed in" prompt.
type MicrosoftLogin struct{}

// Matches reports whether the page is a Microsoft login page.
func (MicrosoftLogin) Matches(pageURL string) bool {
	return strings.Contains(pageURL, "login.microsoftonline.com")
}

// Steps scripts the Microsoft login form.
func (MicrosoftLogin) Steps(email, password string) []LoginStep {
	return []LoginStep{
		{Selector: "input[type='email']", Action: ActionType, Value: email},
		{Selector: "input[type='submit']", Action: ActionClick},
		{Selector: "input[type='password']", Action: ActionType, Value: password},
		{Selector: "input[type='submit']", Action: ActionClick},
		// "Stay signed in?" prompt; not always shown
		{Selector: "#idSIButton9", Action: ActionClick, Optional: true},
	}
}
