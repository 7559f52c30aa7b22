package identity

import "strings"

// Meta and Permissions are carried as opaque blobs (§3, NEW: BSON-free
// representation). The only two flags the connection manager needs —
// "do not auto-connect" and "banned" — are encoded as simple
// comma-separated `key=value` tokens, e.g. `connect=false` or
// `banned=true`. This is the minimal convention that lets §4.9's policy
// checks work without introducing a BSON (or any other) parser
// dependency the spec never names.
func parseFlags(blob []byte) map[string]string {
	out := make(map[string]string)
	for _, tok := range strings.Split(string(blob), ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}

// ConnectDisabled reports whether this record's meta blob carries
// `connect=false`, per wish_identity_get_meta_connect.
func (r *Record) ConnectDisabled() bool {
	return parseFlags(r.Meta)["connect"] == "false"
}

// IsBanned reports whether this record's permissions blob carries
// `banned=true`, per wish_identity_is_banned.
func (r *Record) IsBanned() bool {
	return parseFlags(r.Permissions)["banned"] == "true"
}
