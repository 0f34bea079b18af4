// Package config loads the service configuration.
//
// Values are resolved in increasing precedence:
//
//	1. Default()
//	2. licensed.yaml (or configs/licensed.yaml)
//	3. .env in the working directory
//	4. LICENSED_* environment variables
//
// Environment variables follow the struct layout, for example:
//
//	LICENSED_SERVER_PORT=3850
//	LICENSED_STORAGE_BACKEND=postgres
//	LICENSED_STORAGE_POSTGRES_DSN=postgres://...
//	LICENSED_SECURITY_SIGNING_SECRET=...
//	LICENSED_DISCORD_BUYER_ROLE_ID=...
//
// The unprefixed BOT_TOKEN, GUILD_ID, BUYER_ROLE_ID, ADMIN_CHANNEL_ID,
// SERVER_PORT and PORT variables of older bot deployments are still read
// when the prefixed form is absent.
package config
