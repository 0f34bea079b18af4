// Package license implements the license key lifecycle and the activation
// and validation service.
//
// A License is created unused by CreateLicense, becomes active on its first
// successful Validate call, which binds it to the calling identity and starts
// its expiry clock, and is flipped to expired lazily by the first read that
// observes now >= ExpiresAt. Administrators may delete a license at any time.
//
// # Concurrency
//
// Validate serializes the read-check-mutate-write sequence for a single key
// through a Locker, so two concurrent first activations of the same key with
// different identities resolve to exactly one winner; the loser receives
// ErrOwnershipConflict. Different keys proceed in parallel. The role grant and
// notifications that follow an activation run after the key lock has been
// released and never affect the validation outcome.
//
// # Grants
//
// Validate and CheckByIdentity return a Grant. When the service is built with
// a Signer the grant carries an HMAC-SHA256 over key|duration|expiresAt|status
// that the client guard verifies with the shared secret.
//
// # Usage
//
//	svc, err := license.NewService(license.Options{
//		Store:  st,
//		Locker: locking.NewKeyedMutex(),
//		Signer: signer,
//		Logger: logger,
//	})
//	l, err := svc.CreateLicense(ctx, "1woche", "admin-1", "")
//	grant, err := svc.Validate(ctx, l.Key, "user-42")
package license
