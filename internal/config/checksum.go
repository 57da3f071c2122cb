package config

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
)

type jobChecksumPayload struct {
	Backend  string `json:"backend"`
	Addr     string `json:"addr,omitempty"`
	Size     int    `json:"size"`
	Ranks    int    `json:"ranks"`
	BindType string `json:"bind_type"`
	Sysfs    string `json:"sysfs"`
}

// JobChecksum returns a short, stable checksum of the job layout (exchange
// backend, job size and simulation shape), independent of this rank's
// identity and of credentials. Reports from one job share it.
//
// It computes MD5 over a canonical JSON representation and returns the first 6 hex
// characters.
func JobChecksum(cfg *QuoConfig) (string, error) {
	if cfg == nil {
		return "", nil
	}

	payload := jobChecksumPayload{
		Backend:  cfg.Exchange.Backend,
		Addr:     cfg.Exchange.Addr,
		Size:     cfg.Exchange.Size,
		Ranks:    cfg.Simulate.Ranks,
		BindType: cfg.Simulate.BindType,
		Sysfs:    cfg.Topology.SysfsRoot,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	sum := md5.Sum(b)
	hexStr := hex.EncodeToString(sum[:])
	if len(hexStr) > 6 {
		hexStr = hexStr[:6]
	}
	return hexStr, nil
}
