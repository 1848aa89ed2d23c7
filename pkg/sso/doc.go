// Package sso implements the tenant-bound single-sign-on bridge: the
// outbound authorization redirect, the IdP callback pipeline, and the
// one-time handoff codes that carry an authentication event from the
// callback domain onto the tenant's own domain.
//
// The pipeline is deliberately strict about tenant scoping. The tenant a
// login lands in is the tenant encoded in the OAuth state at the start of
// the flow, and every check along the way (membership, tenant-store lookup,
// error redirects) is bound to exactly that tenant.
package sso
