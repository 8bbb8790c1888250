package domain

import "regexp"

// AccountIDPattern is the accepted form of owner and account ids.
const AccountIDPattern = `^[a-zA-Z0-9_-]{1,64}$`

var accountIDRegex = regexp.MustCompile(AccountIDPattern)

// ValidAccountID reports whether id can own orders, holdings and webhooks.
func ValidAccountID(id string) bool {
	return accountIDRegex.MatchString(id)
}
