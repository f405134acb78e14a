// Package config provides centralized configuration for the license server,
// the desktop license agent and the operator CLI.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. A YAML file (ISX_CONFIG_FILE, or config.yaml / configs/config.yaml)
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables use the ISX_ prefix and the section name:
//
//	ISX_ENVIRONMENT=production
//	ISX_SERVER_PORT=8080
//	ISX_SIGNING_PRIVATE_KEY_FILE=/run/secrets/license-signing.pem
//	ISX_SIGNING_KEY_VERSION=2
//	ISX_KEYS_PUBLIC_KEYS=1:<base64url key>,2:<base64url key>
//	ISX_STORE_DATABASE_PATH=/var/lib/isx/licenses.db
//	ISX_RATE_LIMIT_REDIS_URL=redis://redis:6379/0
//	ISX_CLIENT_SERVER_URL=https://license.example.com
//
// # Key Material
//
// Signing keys never appear in the YAML file in production; they are passed
// as a file path. A missing or malformed signing key is a startup error for
// the server. Clients only need the public key map.
package config
