package radio

import (
	"encoding/xml"
	"fmt"
	"sort"

	"github.com/radionet-labs/radionet/pkg/node"
)

// platformOptions are the configuration keys emitted as platform-level
// params; everything else in the effective config belongs to the NEM.
var platformOptions = map[string]bool{
	"otamanagergroup":    true,
	"otamanagerdevice":   true,
	"eventservicegroup":  true,
	"eventservicedevice": true,
}

// nonXMLOptions are consumed by the control plane and never written to the
// artifact.
var nonXMLOptions = map[string]bool{
	"external": true,
}

type xmlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlNem struct {
	ID         int        `xml:"id,attr"`
	Name       string     `xml:"name,attr"`
	Definition string     `xml:"definition,attr"`
	Params     []xmlParam `xml:"param"`
}

type xmlPlatform struct {
	XMLName xml.Name   `xml:"platform"`
	Params  []xmlParam `xml:"param"`
	Nem     xmlNem     `xml:"nem"`
}

// PlatformFileName returns the platform XML filename for an interface.
func PlatformFileName(iface *node.TunTap) string {
	return fmt.Sprintf("platform-%s.xml", iface.Name)
}

// buildPlatformXML renders the per-interface platform artifact. The daemon
// reads it; the control plane treats the content as opaque beyond this
// builder.
func buildPlatformXML(nemID, nemPort int, definition string, iface *node.TunTap, cfg ModelConfig) ([]byte, error) {
	doc := xmlPlatform{
		Nem: xmlNem{
			ID:         nemID,
			Name:       fmt.Sprintf("%s-nem", iface.Name),
			Definition: definition,
		},
	}
	doc.Params = append(doc.Params, xmlParam{
		Name:  "platformendpoint",
		Value: fmt.Sprintf("0.0.0.0:%d", nemPort),
	})

	names := make([]string, 0, len(cfg))
	for name := range cfg {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if nonXMLOptions[name] {
			continue
		}
		p := xmlParam{Name: name, Value: cfg[name]}
		if platformOptions[name] {
			doc.Params = append(doc.Params, p)
		} else {
			doc.Nem.Params = append(doc.Nem.Params, p)
		}
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("radio: marshal platform xml for %s: %w", iface.LocalName(), err)
	}
	return append([]byte(xml.Header), data...), nil
}
