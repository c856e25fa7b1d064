package pack

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/davidahmann/shomer/core/custody"
	"github.com/davidahmann/shomer/core/manifest"
	"github.com/davidahmann/shomer/core/sign"
	"github.com/davidahmann/shomer/core/zipx"
)

type InspectResult struct {
	Manifest      manifest.Manifest `json:"manifest"`
	Signature     *sign.Signature   `json:"signature,omitempty"`
	Members       []string          `json:"members"`
	CustodyEvents []custody.Event   `json:"custody_events,omitempty"`
}

// Inspect decodes a pack for display without judging its integrity.
func Inspect(packPath string) (InspectResult, error) {
	archive, err := zipx.Open(packPath)
	if err != nil {
		return InspectResult{}, verificationError(err)
	}
	defer func() {
		_ = archive.Close()
	}()

	canonical, ok, err := archive.Read(ManifestName)
	if err != nil {
		return InspectResult{}, verificationError(fmt.Errorf("read %s: %w", ManifestName, err))
	}
	if !ok {
		return InspectResult{}, verificationError(fmt.Errorf("missing %s", ManifestName))
	}
	m, err := manifest.Parse(canonical)
	if err != nil {
		return InspectResult{}, err
	}
	result := InspectResult{Manifest: m, Members: append([]string(nil), archive.Names...)}

	if sigBytes, ok, err := archive.Read(SignatureName); err == nil && ok {
		var signature sign.Signature
		if json.Unmarshal(sigBytes, &signature) == nil {
			result.Signature = &signature
		}
	}
	if logBytes, ok, err := archive.Read(CustodyLogName); err == nil && ok {
		_ = custody.ParseLines(bytes.NewReader(logBytes), func(_ []byte, event custody.Event) {
			result.CustodyEvents = append(result.CustodyEvents, event)
		})
	}
	return result, nil
}
