package discovery

import (
	"fmt"
	"sort"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeGatewayTXT creates TXT records for a gateway.
func EncodeGatewayTXT(info *GatewayInfo) TXTRecordMap {
	txt := TXTRecordMap{
		TXTKeyStreamPath: orDefault(info.StreamPath, DefaultStreamPath),
		TXTKeyAPIPath:    orDefault(info.APIPath, DefaultAPIPath),
	}
	if info.TLS {
		txt[TXTKeyTLS] = "1"
	}
	if info.Project != "" {
		txt[TXTKeyProject] = info.Project
	}
	if info.Version != "" {
		txt[TXTKeyVersion] = info.Version
	}
	return txt
}

// DecodeGatewayTXT parses gateway TXT records. Missing paths fall back to
// the defaults.
func DecodeGatewayTXT(txt TXTRecordMap) (*GatewayInfo, error) {
	info := &GatewayInfo{
		StreamPath: orDefault(txt[TXTKeyStreamPath], DefaultStreamPath),
		APIPath:    orDefault(txt[TXTKeyAPIPath], DefaultAPIPath),
		Project:    txt[TXTKeyProject],
		Version:    txt[TXTKeyVersion],
	}
	for _, k := range []string{TXTKeyStreamPath, TXTKeyAPIPath} {
		p := txt[k]
		if p != "" && !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("%w: %s=%q is not an absolute path", ErrInvalidTXTRecord, k, p)
		}
	}

	switch strings.ToLower(txt[TXTKeyTLS]) {
	case "", "0", "false":
	case "1", "true":
		info.TLS = true
	default:
		return nil, fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, TXTKeyTLS, txt[TXTKeyTLS])
	}
	return info, nil
}

// TXTRecordsToStrings converts a TXTRecordMap to sorted "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, ok := strings.Cut(s, "=")
		if ok {
			txt[k] = v
		} else if k != "" {
			// Key without value (boolean flag)
			txt[k] = ""
		}
	}
	return txt
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}
