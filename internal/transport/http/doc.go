// Package http implements the HTTP surface of the license server.
//
// Handlers are a thin layer between chi and the license service: they decode
// the request, call the service and render the result. They never touch the
// store directly.
//
// # Routes
//
// The public validation API is consumed by deployed clients and keeps the
// original wire format:
//
//	POST /validate        {key, identity}  (discordId accepted as identity)
//	GET  /check?identity= (discordId accepted as identity)
//
// Failures are rendered as {"success":false,"error":"..."} with the message
// taken from licenseErrors.ClientMessage. Existing clients match on those
// strings, so they must not change.
//
// The admin API lives under /admin, requires a bearer token and renders
// failures as RFC 7807 problem details:
//
//	POST   /admin/licenses
//	GET    /admin/licenses?limit=
//	GET    /admin/licenses/active
//	GET    /admin/licenses/{key}
//	DELETE /admin/licenses/{key}
//	GET    /admin/stats
//	GET    /admin/export.xlsx
//	POST   /admin/sweep
//	GET    /admin/events         (websocket feed of lifecycle events)
//
// Operational routes are /, /healthz, /readyz and /metrics.
//
// # Testing
//
// Handlers are tested with httptest against testify mocks of the service
// interfaces declared in this package.
package http
