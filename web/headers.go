// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package web

import "net/http"

// contentSecurityPolicy refuses third-party scripts and framing while
// permitting the UI's own assets and inline styles.
const contentSecurityPolicy = "default-src 'self'; script-src 'self'; " +
	"style-src 'self' 'unsafe-inline'; img-src 'self' data:; frame-ancestors 'none'"

// securityHeaders stamps the browser-protection headers on every
// response. The CSP only affects HTML, but emitting it uniformly keeps
// the middleware independent of content negotiation.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Security-Policy", contentSecurityPolicy)
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// indexPage is a placeholder served at the root; the real UI asset
// bundle is deployed separately.
const indexPage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>AI Intervention Agent</title></head>
<body>
<h1>AI Intervention Agent</h1>
<p>The feedback service is running. Open the UI bundle to review tasks,
or query <code>/api/tasks</code> directly.</p>
</body>
</html>
`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexPage))
}
