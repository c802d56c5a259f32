// Package classifier implements the device classifier, spec §4.4: gate
// newly seen Zigbee nodes against a whitelist, fingerprint their
// endpoints into lights/sensors, apply vendor quirks, and track
// reachability.
//
// The whitelist and vendor-quirk tables are data, not code (spec's own
// framing), loaded as HuJSON the way kradalby/z2m-homekit/devices/types.go
// loads its device config, and validated against a JSON Schema document
// the way urmzd/homai/pkg/device/schema validates REST payloads — here
// repurposed from payload validation to whitelist-document validation.
package classifier

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tailscale/hujson"
)

// WhitelistEntry is one row of the supported-device table: a model-id
// prefix and/or vendor code that makes a device eligible, spec §4.4.1.
type WhitelistEntry struct {
	ModelIDPrefix string `json:"modelIdPrefix,omitempty"`
	VendorCode    uint16 `json:"vendorCode,omitempty"`
	MacPrefix     string `json:"macPrefix,omitempty"` // OUI, "00:12:4b" form
	VendorName    string `json:"vendorName,omitempty"`
}

// Whitelist is the full loaded document: entries plus the button-map
// table (spec §4.6) keyed by sensor type name.
type Whitelist struct {
	Entries    []WhitelistEntry     `json:"entries"`
	ButtonMaps map[string][]ButtonMapRow `json:"buttonMaps,omitempty"`
}

const whitelistSchema = `{
  "type": "object",
  "required": ["entries"],
  "properties": {
    "entries": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "modelIdPrefix": {"type": "string"},
          "vendorCode": {"type": "integer"},
          "macPrefix": {"type": "string"},
          "vendorName": {"type": "string"}
        }
      }
    },
    "buttonMaps": {"type": "object"}
  }
}`

// LoadWhitelist reads a HuJSON whitelist document from path, validates it
// against the embedded JSON Schema, and returns the parsed table.
func LoadWhitelist(path string) (*Whitelist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read whitelist %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("standardize whitelist HuJSON: %w", err)
	}

	if err := validateWhitelistDocument(standardized); err != nil {
		return nil, fmt.Errorf("validate whitelist document: %w", err)
	}

	var wl Whitelist
	if err := json.Unmarshal(standardized, &wl); err != nil {
		return nil, fmt.Errorf("unmarshal whitelist: %w", err)
	}

	log.Info().Int("entries", len(wl.Entries)).Str("path", path).Msg("whitelist loaded")
	return &wl, nil
}

func validateWhitelistDocument(doc []byte) error {
	var schemaMap any
	if err := json.Unmarshal([]byte(whitelistSchema), &schemaMap); err != nil {
		return fmt.Errorf("unmarshal embedded schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("whitelist.json", schemaMap); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("whitelist.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	var payload any
	if err := json.Unmarshal(doc, &payload); err != nil {
		return fmt.Errorf("unmarshal document for validation: %w", err)
	}

	return compiled.Validate(payload)
}

// Eligible reports whether a device matches the whitelist by model id
// prefix, vendor code, or known OUI mac prefix, spec §4.4 step 1.
func (wl *Whitelist) Eligible(modelID string, vendorCode uint16, macPrefix string) (WhitelistEntry, bool) {
	for _, e := range wl.Entries {
		if e.ModelIDPrefix != "" && hasPrefix(modelID, e.ModelIDPrefix) {
			return e, true
		}
		if e.VendorCode != 0 && e.VendorCode == vendorCode {
			return e, true
		}
		if e.MacPrefix != "" && hasPrefix(macPrefix, e.MacPrefix) {
			return e, true
		}
	}
	return WhitelistEntry{}, false
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
