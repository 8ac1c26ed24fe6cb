package keystore

import (
	"encoding/base64"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/arborhs/homeserver/pkg/pdu"
)

// setSignature writes signatures[serverName][keyID] = base64(sig) into
// raw's JSON, creating the signatures object if absent.
func setSignature(raw []byte, serverName, keyID string, sig []byte) ([]byte, error) {
	encoded := base64.RawStdEncoding.EncodeToString(sig)
	path := "signatures." + jsonPathEscape(serverName) + "." + jsonPathEscape(keyID)
	out, err := sjson.SetBytes(raw, path, encoded)
	if err != nil {
		return nil, fmt.Errorf("keystore: set signature: %w", err)
	}
	return out, nil
}

// extractSignatureKeyIDs returns the key IDs server signed under, and a
// map of key ID -> raw signature bytes.
func extractSignatureKeyIDs(raw []byte, server string) ([]string, map[string][]byte, error) {
	path := "signatures." + jsonPathEscape(server)
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return nil, nil, nil
	}
	var keyIDs []string
	sigs := map[string][]byte{}
	var decodeErr error
	res.ForEach(func(key, value gjson.Result) bool {
		raw, err := base64.RawStdEncoding.DecodeString(value.String())
		if err != nil {
			// Matrix signatures are sometimes padded; retry with std encoding.
			raw, err = base64.StdEncoding.DecodeString(value.String())
			if err != nil {
				decodeErr = err
				return false
			}
		}
		keyIDs = append(keyIDs, key.String())
		sigs[key.String()] = raw
		return true
	})
	if decodeErr != nil {
		return nil, nil, decodeErr
	}
	return keyIDs, sigs, nil
}

// strippedForVerify produces the canonical JSON payload a signature was
// computed over: signatures and unsigned removed.
func strippedForVerify(raw []byte) ([]byte, error) {
	out, err := sjson.DeleteBytes(raw, "signatures")
	if err != nil {
		return nil, err
	}
	out, err = sjson.DeleteBytes(out, "unsigned")
	if err != nil {
		return nil, err
	}
	return pdu.CanonicalJSON(out)
}

// jsonPathEscape escapes sjson/gjson path metacharacters in an
// arbitrary string used as a path segment (server names and key IDs can
// contain '.' and ':').
func jsonPathEscape(s string) string {
	out := make([]byte, 0, len(s))
	for _, c := range []byte(s) {
		switch c {
		case '.', '*', '?', '|':
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
