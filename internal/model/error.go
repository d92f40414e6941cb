package model

import "errors"

var ErrorReplyPending = errors.New("reply pending")
var ErrorNotConfigured = errors.New("account not configured")
var ErrorTokenNotFound = errors.New("access token not found")
