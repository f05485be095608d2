package device

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Junos RPC bodies. Everything user supplied goes through escape.
const (
	rpcLock           = `<lock-configuration/>`
	rpcUnlock         = `<unlock-configuration/>`
	rpcDiscard        = `<discard-changes/>`
	rpcCompare        = `<get-configuration compare="rollback" rollback="0" format="text"/>`
	rpcSoftware       = `<get-software-information/>`
	rpcSystem         = `<get-system-information/>`
	rpcRouteEngine    = `<get-route-engine-information/>`
	rpcStorage        = `<get-system-storage/>`
	rpcAlarms         = `<get-alarm-information/>`
	rpcInterfaces     = `<get-interface-information><terse/></get-interface-information>`
	rpcSecurityAssocs = `<get-security-associations-information/>`
	rpcReboot         = `<request-reboot/>`
	rpcSnapshot       = `<request-snapshot><slice>alternate</slice></request-snapshot>`
)

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func loadSetRPC(commands []string) string {
	escaped := make([]string, len(commands))
	for i, c := range commands {
		escaped[i] = escape(strings.TrimSpace(c))
	}
	return `<load-configuration action="set" format="text"><configuration-set>` +
		strings.Join(escaped, "\n") +
		`</configuration-set></load-configuration>`
}

func commitConfirmedRPC(comment string, minutes int) string {
	return `<commit-configuration><confirmed/><confirm-timeout>` + strconv.Itoa(minutes) +
		`</confirm-timeout><log>` + escape(comment) + `</log></commit-configuration>`
}

func commitRPC(comment string) string {
	return `<commit-configuration><log>` + escape(comment) + `</log></commit-configuration>`
}

func getConfigRPC(format string) string {
	return `<get-configuration format="` + escape(format) + `"/>`
}

func packageAddRPC(remotePath string) string {
	return `<request-package-add><no-validate/><unlink/><package-name>` +
		escape(remotePath) + `</package-name></request-package-add>`
}

// eachElement decodes every element named local, at any depth, into a fresh
// T and hands it to fn. Junos wraps some replies in multi-routing-engine
// results, so fixed paths are not reliable.
func eachElement[T any](data []byte, local string, fn func(*T)) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("scan %s: %w", local, err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != local {
			continue
		}

		v := new(T)
		if err := dec.DecodeElement(v, &start); err != nil {
			return fmt.Errorf("decode %s: %w", local, err)
		}
		fn(v)
	}
}

// firstText returns the trimmed character data of the first element named local.
func firstText(data []byte, local string) (string, bool, error) {
	type text struct {
		Value string `xml:",chardata"`
	}
	var (
		out   string
		found bool
	)
	err := eachElement(data, local, func(t *text) {
		if !found {
			out, found = strings.TrimSpace(t.Value), true
		}
	})
	return out, found, err
}

type softwareInformation struct {
	HostName     string `xml:"host-name"`
	ProductModel string `xml:"product-model"`
	JunosVersion string `xml:"junos-version"`
}

type systemInformation struct {
	HardwareModel string `xml:"hardware-model"`
	OSVersion     string `xml:"os-version"`
	SerialNumber  string `xml:"serial-number"`
	HostName      string `xml:"host-name"`
}

type secondsValue struct {
	Seconds string `xml:"seconds,attr"`
	Text    string `xml:",chardata"`
}

type routeEngine struct {
	StartTime secondsValue `xml:"start-time"`
	UpTime    secondsValue `xml:"up-time"`
}

// parseFacts merges the software, system and route-engine replies.
func parseFacts(software, system, routeEng []byte) (*Facts, error) {
	facts := &Facts{}

	err := eachElement(software, "software-information", func(si *softwareInformation) {
		if facts.Hostname == "" {
			facts.Hostname = strings.TrimSpace(si.HostName)
		}
		if facts.Model == "" {
			facts.Model = strings.TrimSpace(si.ProductModel)
		}
		if facts.Version == "" {
			facts.Version = strings.TrimSpace(si.JunosVersion)
		}
	})
	if err != nil {
		return nil, err
	}

	if len(system) > 0 {
		err = eachElement(system, "system-information", func(si *systemInformation) {
			facts.SerialNumber = strings.TrimSpace(si.SerialNumber)
			if facts.Model == "" {
				facts.Model = strings.ToLower(strings.TrimSpace(si.HardwareModel))
			}
			if facts.Version == "" {
				facts.Version = strings.TrimSpace(si.OSVersion)
			}
			if facts.Hostname == "" {
				facts.Hostname = strings.TrimSpace(si.HostName)
			}
		})
		if err != nil {
			return nil, err
		}
	}

	if len(routeEng) > 0 {
		found := false
		err = eachElement(routeEng, "route-engine", func(re *routeEngine) {
			if found {
				return
			}
			found = true
			if up, err := strconv.ParseInt(strings.TrimSpace(re.UpTime.Seconds), 10, 64); err == nil {
				facts.Uptime = up
			}
			if start, err := strconv.ParseInt(strings.TrimSpace(re.StartTime.Seconds), 10, 64); err == nil && start > 0 {
				facts.BootTime = time.Unix(start, 0).UTC()
			}
		})
		if err != nil {
			return nil, err
		}
	}

	if facts.Hostname == "" && facts.Version == "" {
		return nil, fmt.Errorf("software information missing from reply")
	}

	facts.Personality = personality(facts.Model)
	return facts, nil
}

// personality maps a model string to the device family.
func personality(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "vsrx"):
		return "VSRX"
	case strings.HasPrefix(m, "srx"):
		n, err := strconv.Atoi(strings.TrimLeft(m[3:], "-"))
		if err != nil {
			// e.g. "srx345-dual-ac"
			digits := strings.FieldsFunc(m[3:], func(r rune) bool { return r < '0' || r > '9' })
			if len(digits) == 0 {
				return "SRX"
			}
			n, _ = strconv.Atoi(digits[0])
		}
		if n >= 4000 {
			return "SRX_HIGHEND"
		}
		if n >= 1000 {
			return "SRX_MIDRANGE"
		}
		return "SRX_BRANCH"
	case m == "":
		return "UNKNOWN"
	default:
		return "JUNOS"
	}
}

type blocks struct {
	Format string `xml:"format,attr"`
	Value  string `xml:",chardata"`
}

func (b blocks) human() string {
	if f := strings.TrimSpace(b.Format); f != "" {
		return f
	}
	return strings.TrimSpace(b.Value)
}

type filesystemElement struct {
	Name        string `xml:"filesystem-name"`
	Total       blocks `xml:"total-blocks"`
	Used        blocks `xml:"used-blocks"`
	Available   blocks `xml:"available-blocks"`
	UsedPercent string `xml:"used-percent"`
	MountedOn   string `xml:"mounted-on"`
}

// parseStorage keeps filesystems backed by a /dev/ device.
func parseStorage(data []byte) ([]Filesystem, error) {
	var out []Filesystem
	err := eachElement(data, "filesystem", func(fe *filesystemElement) {
		name := strings.TrimSpace(fe.Name)
		if !strings.HasPrefix(name, "/dev/") {
			return
		}
		pct, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(fe.UsedPercent), "%"))
		out = append(out, Filesystem{
			Name:        name,
			MountedOn:   strings.TrimSpace(fe.MountedOn),
			Size:        fe.Total.human(),
			Used:        fe.Used.human(),
			Available:   fe.Available.human(),
			UsedPercent: pct,
		})
	})
	return out, err
}

type alarmDetail struct {
	Class       string `xml:"alarm-class"`
	Description string `xml:"alarm-description"`
	Type        string `xml:"alarm-type"`
}

func parseAlarms(data []byte) ([]Alarm, error) {
	var out []Alarm
	err := eachElement(data, "alarm-detail", func(ad *alarmDetail) {
		out = append(out, Alarm{
			Class:       strings.TrimSpace(ad.Class),
			Description: strings.TrimSpace(ad.Description),
			Type:        strings.TrimSpace(ad.Type),
		})
	})
	return out, err
}

type physicalInterface struct {
	Name       string `xml:"name"`
	OperStatus string `xml:"oper-status"`
}

// countInterfacesUp counts physical interfaces whose oper-status is up.
func countInterfacesUp(data []byte) (int, error) {
	n := 0
	err := eachElement(data, "physical-interface", func(pi *physicalInterface) {
		if strings.TrimSpace(pi.OperStatus) == "up" {
			n++
		}
	})
	return n, err
}

type saBlock struct {
	State string `xml:"sa-block-state"`
	SAs   []struct {
		RemoteGateway string `xml:"sa-remote-gateway"`
		Port          string `xml:"sa-port"`
		TunnelIndex   string `xml:"sa-tunnel-index"`
		SPI           string `xml:"sa-spi"`
	} `xml:"ipsec-security-associations"`
}

// parseTunnels returns one Tunnel per SA block, taken from its first SA.
func parseTunnels(data []byte) ([]Tunnel, error) {
	var out []Tunnel
	err := eachElement(data, "ipsec-security-associations-block", func(b *saBlock) {
		if len(b.SAs) == 0 {
			return
		}
		sa := b.SAs[0]
		out = append(out, Tunnel{
			RemoteAddress: strings.TrimSpace(sa.RemoteGateway),
			Port:          strings.TrimSpace(sa.Port),
			Index:         strings.TrimSpace(sa.TunnelIndex),
			SPI:           strings.TrimSpace(sa.SPI),
			State:         strings.TrimSpace(b.State),
		})
	})
	return out, err
}

// parsePackageResult returns the package-add output and whether every
// package-result was zero.
func parsePackageResult(data []byte) (string, bool, error) {
	type text struct {
		Value string `xml:",chardata"`
	}

	ok := true
	seen := false
	err := eachElement(data, "package-result", func(t *text) {
		seen = true
		if strings.TrimSpace(t.Value) != "0" {
			ok = false
		}
	})
	if err != nil {
		return "", false, err
	}

	var outputs []string
	err = eachElement(data, "output", func(t *text) {
		if s := strings.TrimSpace(t.Value); s != "" {
			outputs = append(outputs, s)
		}
	})
	if err != nil {
		return "", false, err
	}

	return strings.Join(outputs, "\n"), ok && seen, nil
}
