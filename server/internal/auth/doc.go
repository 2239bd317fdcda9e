// Package auth provides authentication middleware for the HTTP control routes.
//
// APIKey(mode, header, key) returns chi-compatible middleware that validates
// the API key carried in the named request header. When mode != "apikey" or
// key == "", every request passes through (local development with auth
// disabled). A missing or wrong key is rejected with 401 before the wrapped
// handler runs.
package auth
