// Package config loads authkit's YAML configuration.
//
// Configuration lives in an XDG-style directory (~/.config/authkit by
// default) as config.yaml:
//
//	provider:
//	  issuer: https://accounts.example.com
//	  clientId: my-client
//	  scopes: [openid, profile, email, offline_access]
//	session:
//	  callbackPort: 3000
//	  watchCredential: true
//	logLevel: info
//
// A missing file is not an error: defaults are returned and commands that
// need a configured provider call Config.Validate before starting a flow.
package config
