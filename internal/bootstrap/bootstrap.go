// Package bootstrap embeds the reference client-side runtime for the
// Pipe protocol spec.md §6 describes, so the repository is runnable
// end-to-end without a separate frontend build. The composition core
// (internal/fragment, internal/fragtemplate, internal/fragserv) never
// imports this package — it is wired in only by internal/server.
package bootstrap

import _ "embed"

//go:embed bootstrap.js
var Script []byte

// ContentType is the MIME type internal/server should serve Script as.
const ContentType = "application/javascript; charset=utf-8"
