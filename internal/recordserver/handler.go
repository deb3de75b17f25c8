package recordserver

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// recordFileName is the single file served per model/build combination.
const recordFileName = "patched.plist"

// The device identifies itself inside its User-Agent header, e.g.
// "iOS/9.3.5 model/iPad2,1 build/13G36". Tokens run to the next space.
var (
	modelPattern = regexp.MustCompile(`model/(\S+)`)
	buildPattern = regexp.MustCompile(`build/(\S+)`)
)

// handleRecord serves the activation record identified by the client's
// User-Agent tokens. It handles every path: the device fetch URL comes from
// the patched payload and is not under our control, so routing happens on the
// header, not the path.
//
// Responses: 200 with the record bytes, 403 for anything other than a GET
// with both tokens present and safe, 404 when no record exists for the
// combination, 500 when the record cannot be read.
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		log.Printf("recordserver: rejected %s request from %s", r.Method, r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	model, build, ok := parseTokens(r.Header.Get("User-Agent"))
	if !ok {
		log.Printf("recordserver: rejected request without model/build tokens from %s", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	// The tokens become path segments below, so traversal sequences and
	// separators are rejected outright. This is a mandatory gate: a crafted
	// User-Agent must never read outside the record tree.
	if !safeToken(model) || !safeToken(build) {
		log.Printf("recordserver: rejected unsafe tokens %q/%q from %s", model, build, r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	path := filepath.Join(s.cfg.BaseDir, model, build, recordFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("recordserver: no record for %s/%s", model, build)
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		log.Printf("recordserver: failed to read %s: %v", path, err)
		http.Error(w, fmt.Sprintf("failed to read activation record: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", `attachment; filename="patched.plist"`)
	w.Header().Set("Cache-Control", "must-revalidate")
	w.Header().Set("Pragma", "public")
	w.WriteHeader(http.StatusOK)
	w.Write(data)

	log.Printf("recordserver: served record for %s/%s (%d bytes)", model, build, len(data))
}

// parseTokens extracts the model and build tokens from a User-Agent header.
func parseTokens(userAgent string) (model, build string, ok bool) {
	m := modelPattern.FindStringSubmatch(userAgent)
	b := buildPattern.FindStringSubmatch(userAgent)
	if m == nil || b == nil {
		return "", "", false
	}
	return m[1], b[1], true
}

// safeToken reports whether a token may be used as a single path segment.
func safeToken(tok string) bool {
	if tok == "" {
		return false
	}
	if strings.Contains(tok, "..") {
		return false
	}
	return !strings.ContainsAny(tok, `/\`)
}
