// Package auth guards the control API.
//
// The apparatus has a single operator credential held in configuration as
// an argon2id PHC string. A successful login yields a short-lived HS256
// access token whose role decides what the bearer may do:
//
//	viewer    read status, history and telemetry; emergency stop
//	operator  everything a viewer can, plus sequence control and raw
//	          commands
//
// Tokens are validated by signature only; there is no session store.
package auth
