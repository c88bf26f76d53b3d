// Package manifest decodes the per-image push manifest embedded at
// "_deploy/push.json" and selects the section for one target host.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"

	"run-deploy/internal/agenterr"
	"run-deploy/internal/nameguard"
)

// HostSection is one host's entry in the push manifest.
type HostSection struct {
	IncusName string `json:"incus-name"`
	ImageDir  string `json:"image-dir"`
	Exec      string `json:"exec"`
	Stamp     *int64 `json:"stamp,omitempty"`
}

// Manifest is the full decoded push.json: hostname to HostSection.
type Manifest map[string]HostSection

// Load reads and decodes push.json from the given path.
func Load(path string) (Manifest, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- path is a fixed name inside a mount point the caller controls
	if err != nil {
		if os.IsNotExist(err) {
			return nil, agenterr.Wrap(agenterr.KindManifestNotExist, "push.json not found", err)
		}
		return nil, agenterr.Wrap(agenterr.KindManifestJSON, "could not read push.json", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, agenterr.Wrap(agenterr.KindManifestJSON, "push.json is not valid JSON", err)
	}
	return m, nil
}

// SelectHost returns the validated section for hostname, rejecting missing
// keys and malformed required fields as MANIFEST_JSON.
func (m Manifest) SelectHost(hostname string, containerEdition bool) (HostSection, error) {
	section, ok := m[hostname]
	if !ok {
		return HostSection{}, agenterr.New(agenterr.KindManifestJSON, fmt.Sprintf("push.json has no section for host %q", hostname))
	}
	if err := nameguard.FlagIdentifier(section.ImageDir); err != nil {
		return HostSection{}, agenterr.Wrap(agenterr.KindManifestJSON, "image-dir is missing or malformed", err)
	}
	if err := nameguard.PathSegment(section.Exec); err != nil {
		return HostSection{}, agenterr.Wrap(agenterr.KindManifestJSON, "exec is missing or malformed", err)
	}
	if containerEdition {
		if err := nameguard.FlagIdentifier(section.IncusName); err != nil {
			return HostSection{}, agenterr.Wrap(agenterr.KindManifestJSON, "incus-name is missing or malformed", err)
		}
	}
	return section, nil
}
