// Package auth verifies actor tokens for relaydesk.
//
// Session management lives elsewhere; relaydesk only needs to learn who is
// calling. Every API request carries an HS256 JWT:
//
//	{"sub": "<actor id>", "company": "<company id>", "role": "agent|supervisor|admin", "exp": ...}
//
// Middleware verifies the token and stores an *Actor in the request
// context, retrieved with FromContext. Tokens are read from the
// Authorization header ("Bearer <token>") or, for EventSource clients that
// cannot set headers, from the access_token query parameter.
//
// Agents may claim, resolve, reopen and release conversations. Reassigning
// conversations and managing campaigns needs the supervisor or admin role
// (RequireSupervisor).
//
// Tokens for development are minted with `relaydesk token`.
package auth
