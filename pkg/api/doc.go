// Package api is the HTTP gateway. Each route names exactly the token
// class it accepts; the middleware chain supplies correlation ids, panic
// isolation, request logging, and back-pressure. Handlers parse and
// dispatch; the domain packages own all business rules.
package api
