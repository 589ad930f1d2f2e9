package discovery

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tlink-protocol/tlink-go/pkg/version"
	"github.com/tlink-protocol/tlink-go/pkg/wire"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeServerTXT creates the TXT records of a server announcement.
func EncodeServerTXT(info *ServerInfo) TXTRecordMap {
	txt := make(TXTRecordMap)

	v := info.Version
	if v == "" {
		v = version.Current
	}
	txt[TXTKeyVersion] = v
	txt[TXTKeySecure] = "0"
	if info.Secure {
		txt[TXTKeySecure] = "1"
	}

	if info.Path != "" {
		txt[TXTKeyPath] = info.Path
	}
	if len(info.Boxes) > 0 {
		names := make([]string, len(info.Boxes))
		for i, b := range info.Boxes {
			names[i] = b.String()
		}
		txt[TXTKeyBoxes] = strings.Join(names, ",")
	}
	if info.Fingerprint != "" {
		txt[TXTKeyFingerprint] = info.Fingerprint
	}
	if info.Name != "" {
		txt[TXTKeyName] = info.Name
	}
	return txt
}

// DecodeServerTXT parses the TXT records of a server announcement.
func DecodeServerTXT(txt TXTRecordMap) (*ServerInfo, error) {
	info := &ServerInfo{}

	v, ok := txt[TXTKeyVersion]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyVersion)
	}
	if _, err := version.Parse(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTXTRecord, err)
	}
	info.Version = v

	switch txt[TXTKeySecure] {
	case "1":
		info.Secure = true
	case "0", "":
	default:
		return nil, fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, TXTKeySecure, txt[TXTKeySecure])
	}

	info.Path = txt[TXTKeyPath]
	info.Name = txt[TXTKeyName]

	if fp, ok := txt[TXTKeyFingerprint]; ok {
		if !ValidateFingerprint(fp) {
			return nil, fmt.Errorf("%w: fingerprint %q", ErrInvalidTXTRecord, fp)
		}
		info.Fingerprint = fp
	}

	if s := txt[TXTKeyBoxes]; s != "" {
		for _, name := range strings.Split(s, ",") {
			b, ok := wire.ParseBoxKind(strings.TrimSpace(name))
			if !ok {
				return nil, fmt.Errorf("%w: box %q", ErrInvalidTXTRecord, name)
			}
			if b != wire.BoxNone {
				info.Boxes = append(info.Boxes, b)
			}
		}
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
		k, v, found := strings.Cut(s, "=")
		if found {
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
