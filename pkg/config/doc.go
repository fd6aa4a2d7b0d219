// Package config loads the pgwarden YAML configuration file.
//
// Missing fields keep the values of Default. The database credentials may be
// overridden with the DB_USER, DB_PASSWORD and DB_NAME environment variables
// so the password does not have to live in the file. Command-line flags are
// applied on top by the caller.
package config
