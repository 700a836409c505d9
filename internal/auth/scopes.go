package auth

const (
	ScopeCohortsRead  = "cohorts:read"
	ScopeCohortsWrite = "cohorts:write"
)

// AllScopes is the full set of scopes understood by the ops API.
var AllScopes = []string{
	ScopeCohortsRead,
	ScopeCohortsWrite,
}
